// Package checkpoints finds and downloads exported model checkpoints from
// the trainer's checkpoint server, and watches for new ones.
//
// The trainer exposes its checkpoint directory as a plain HTTP index page
// listing one directory per checkpoint (ckpt_000100/, ckpt_000200/, ...),
// each containing the three exported ONNX networks.
package checkpoints

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Files every checkpoint directory must contain.
var checkpointFiles = []string{
	"representation.onnx",
	"dynamics.onnx",
	"prediction.onnx",
}

var ckptRe = regexp.MustCompile(`(?:^|/)(ckpt_(\d+))/?$`)

// Discovery fetches checkpoint listings and downloads checkpoint contents.
type Discovery struct {
	indexURL string
	client   *http.Client
}

// NewDiscovery creates a discovery client for one checkpoint index URL.
func NewDiscovery(indexURL string) *Discovery {
	return &Discovery{
		indexURL: indexURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Latest scrapes the index page and returns the newest checkpoint name by
// step number, e.g. "ckpt_000300".
func (d *Discovery) Latest() (string, error) {
	resp, err := d.client.Get(d.indexURL)
	if err != nil {
		return "", fmt.Errorf("fetch index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse index: %w", err)
	}

	names := checkpointLinks(doc)
	if len(names) == 0 {
		return "", fmt.Errorf("no checkpoints listed at %s", d.indexURL)
	}
	return names[len(names)-1], nil
}

// checkpointLinks extracts checkpoint directory names from an index page,
// sorted by step number ascending.
func checkpointLinks(doc *goquery.Document) []string {
	type ckpt struct {
		name string
		step int64
	}
	var found []ckpt
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists {
			return
		}
		matches := ckptRe.FindStringSubmatch(href)
		if len(matches) < 3 || seen[matches[1]] {
			return
		}
		step, err := strconv.ParseInt(matches[2], 10, 64)
		if err != nil {
			return
		}
		seen[matches[1]] = true
		found = append(found, ckpt{name: matches[1], step: step})
	})

	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })

	names := make([]string, len(found))
	for i, c := range found {
		names[i] = c.name
	}
	return names
}

// Fetch downloads one checkpoint into destDir/name, skipping the download if
// all files are already present. It returns the local checkpoint directory.
func (d *Discovery) Fetch(name, destDir string) (string, error) {
	localDir := filepath.Join(destDir, name)

	complete := true
	for _, f := range checkpointFiles {
		if _, err := os.Stat(filepath.Join(localDir, f)); err != nil {
			complete = false
			break
		}
	}
	if complete {
		return localDir, nil
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	for _, f := range checkpointFiles {
		if err := d.downloadFile(name+"/"+f, filepath.Join(localDir, f)); err != nil {
			return "", fmt.Errorf("download %s/%s: %w", name, f, err)
		}
	}

	return localDir, nil
}

// FetchLatest resolves the newest checkpoint and downloads it.
func (d *Discovery) FetchLatest(destDir string) (string, error) {
	name, err := d.Latest()
	if err != nil {
		return "", err
	}
	return d.Fetch(name, destDir)
}

func (d *Discovery) downloadFile(rel, destPath string) error {
	base, err := url.Parse(d.indexURL)
	if err != nil {
		return fmt.Errorf("bad index url: %w", err)
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return fmt.Errorf("bad file path: %w", err)
	}
	fileURL := base.ResolveReference(ref).String()

	resp, err := d.client.Get(fileURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	// Write to a temp file and rename atomically so a half-downloaded
	// network is never loadable.
	tmpPath := destPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, destPath)
}
