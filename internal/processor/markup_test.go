package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

func scannerRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.RegisterTool(&tools.SimpleTool{
		ID: "Shell",
		Table: []tools.Method{{
			Name: "run",
			Markup: &tools.MarkupSchema{
				Tag:    "run_shell_command",
				Params: []tools.MarkupParam{{Name: "command", Source: tools.SourceContent}},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
		}},
	}))
	require.NoError(t, r.RegisterTool(&tools.SimpleTool{
		ID: "Report",
		Table: []tools.Method{{
			Name: "file",
			Markup: &tools.MarkupSchema{
				Tag: "report",
				Params: []tools.MarkupParam{
					{Name: "severity", Source: tools.SourceAttribute},
					{Name: "title", Source: tools.SourceElement, Path: "summary/title"},
				},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, nil },
		}},
	}))
	return r
}

func feedAll(s *markupScanner, pieces ...string) []segment {
	var out []segment
	for _, piece := range pieces {
		out = append(out, s.feed(piece)...)
	}
	return append(out, s.flush()...)
}

func TestScannerPlainTextPassesThrough(t *testing.T) {
	s := newMarkupScanner(scannerRegistry(t))
	segs := feedAll(s, "no tags ", "here, 1 < 2 even")
	var text string
	for _, seg := range segs {
		require.Nil(t, seg.call)
		text += seg.text
	}
	assert.Equal(t, "no tags here, 1 < 2 even", text)
}

func TestScannerContentSource(t *testing.T) {
	s := newMarkupScanner(scannerRegistry(t))
	segs := feedAll(s, "before <run_shell_command>ls -la</run_shell_command> after")

	require.Len(t, segs, 3)
	assert.Equal(t, "before ", segs[0].text)
	require.NotNil(t, segs[1].call)
	assert.Equal(t, "Shell", segs[1].call.toolID)
	assert.Equal(t, "run", segs[1].call.method)
	assert.Equal(t, map[string]any{"command": "ls -la"}, segs[1].call.params)
	assert.Equal(t, " after", segs[2].text)
}

func TestScannerToleratesArbitrarySplits(t *testing.T) {
	full := "x <run_shell_command>echo hi</run_shell_command> y"
	for cut := 1; cut < len(full); cut++ {
		s := newMarkupScanner(scannerRegistry(t))
		segs := feedAll(s, full[:cut], full[cut:])

		var calls int
		var text string
		for _, seg := range segs {
			if seg.call != nil {
				calls++
				assert.Equal(t, map[string]any{"command": "echo hi"}, seg.call.params)
			}
			text += seg.text
		}
		assert.Equal(t, 1, calls, "split at %d", cut)
		assert.Equal(t, "x  y", text, "split at %d", cut)
	}
}

func TestScannerAttributeAndElementSources(t *testing.T) {
	s := newMarkupScanner(scannerRegistry(t))
	segs := feedAll(s,
		`<report severity="high"><summary><title>disk full</title></summary></report>`)

	require.Len(t, segs, 1)
	require.NotNil(t, segs[0].call)
	assert.Equal(t, map[string]any{
		"severity": "high",
		"title":    "disk full",
	}, segs[0].call.params)
}

func TestScannerMissingAttributeIsParseError(t *testing.T) {
	s := newMarkupScanner(scannerRegistry(t))
	segs := feedAll(s, `<report><summary><title>x</title></summary></report>`)

	require.Len(t, segs, 1)
	assert.Nil(t, segs[0].call)
	require.Error(t, segs[0].parseErr)
	assert.Equal(t, "report", segs[0].tag)
}

func TestScannerUnclosedTagAtEndIsText(t *testing.T) {
	s := newMarkupScanner(scannerRegistry(t))
	segs := feedAll(s, "tail <run_shell_command>never closed")

	var text string
	for _, seg := range segs {
		require.Nil(t, seg.call)
		text += seg.text
	}
	assert.Equal(t, "tail <run_shell_command>never closed", text)
}

func TestScannerQuotedAttributeWithBracket(t *testing.T) {
	s := newMarkupScanner(scannerRegistry(t))
	segs := feedAll(s, `<report severity="a > b"><summary><title>t</title></summary></report>`)

	require.Len(t, segs, 1)
	require.NotNil(t, segs[0].call)
	assert.Equal(t, "a > b", segs[0].call.params["severity"])
}
