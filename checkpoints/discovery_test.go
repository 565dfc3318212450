package checkpoints

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

const indexHTML = `
<html><body>
<h1>Index of /checkpoints/</h1>
<a href="../">../</a>
<a href="ckpt_000100/">ckpt_000100/</a>
<a href="ckpt_000300/">ckpt_000300/</a>
<a href="ckpt_000200/">ckpt_000200/</a>
<a href="ckpt_000200/">ckpt_000200/</a>
<a href="notes.txt">notes.txt</a>
</body></html>
`

func TestCheckpointLinks(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(indexHTML))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}

	names := checkpointLinks(doc)
	expected := []string{"ckpt_000100", "ckpt_000200", "ckpt_000300"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d checkpoints, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Errorf("checkpoint %d: got %q, expected %q", i, names[i], expected[i])
		}
	}
}

func TestCheckpointLinksEmpty(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<html><body><a href='foo'>foo</a></body></html>"))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	if names := checkpointLinks(doc); len(names) != 0 {
		t.Errorf("expected no checkpoints, got %v", names)
	}
}
