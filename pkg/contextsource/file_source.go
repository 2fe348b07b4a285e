package contextsource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"contentengine/pkg/domain"
)

const DefaultMaxItems = 10

// FileSource reads notes from a directory. Files directly in the root are
// shared by every pillar; files under <root>/<pillar>/ apply to that pillar
// only. Structured files (.yaml, .yml, .json) hold a bundle; notes (.md,
// .txt, .html, .pdf) are split by headings such as "Themes", "Decisions"
// and "Progress", with list items becoming entries.
type FileSource struct {
	Root     string
	MaxItems int
}

func NewFileSource(root string) *FileSource {
	return &FileSource{Root: root, MaxItems: DefaultMaxItems}
}

func (s *FileSource) GetContext(ctx context.Context, pillar string) (domain.Bundle, error) {
	info, err := os.Stat(s.Root)
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("context dir: %w", err)
	}
	if !info.IsDir() {
		return domain.Bundle{}, fmt.Errorf("context dir %s is not a directory", s.Root)
	}
	dirs := []string{s.Root}
	if p := strings.TrimSpace(pillar); p != "" && !strings.ContainsAny(p, `/\`) {
		dirs = append(dirs, filepath.Join(s.Root, p))
	}
	c := newCollector()
	for _, dir := range dirs {
		files, err := listFiles(dir)
		if err != nil {
			return domain.Bundle{}, err
		}
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return domain.Bundle{}, err
			}
			if err := parseFile(c, path); err != nil {
				return domain.Bundle{}, err
			}
		}
	}
	return c.result(pillar, s.MaxItems), nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func parseFile(c *collector, path string) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		err = parseStructured(c, path)
	case ".md", ".markdown", ".txt":
		err = parseNotesFile(c, path)
	case ".html", ".htm":
		err = parseHTML(c, path)
	case ".pdf":
		err = parsePDF(c, path)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func parseStructured(c *collector, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var b domain.Bundle
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &b)
	} else {
		err = yaml.Unmarshal(data, &b)
	}
	if err != nil {
		return err
	}
	c.merge(b)
	return nil
}

func parseNotesFile(c *collector, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	parseNotes(c, string(data))
	return nil
}

var (
	mdHeading  = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`)
	labelLine  = regexp.MustCompile(`^([A-Za-z][A-Za-z ]{2,40}):\s*$`)
	bulletLine = regexp.MustCompile(`^(?:[-*+•]|\d+[.)])\s+(.+)$`)
)

// parseNotes reads markdown or plain text line by line. A heading or a
// "Label:" line switches the bucket; every other non-empty line is an entry.
func parseNotes(c *collector, text string) {
	c.current = bucketNotes
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line == "---" {
			continue
		}
		if m := mdHeading.FindStringSubmatch(line); m != nil {
			c.heading(m[1])
			continue
		}
		if m := labelLine.FindStringSubmatch(line); m != nil {
			c.heading(m[1])
			continue
		}
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			line = m[1]
		}
		c.add(line)
	}
}

func parseHTML(c *collector, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.current = bucketNotes
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch node.Data {
			case "script", "style", "head":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6":
				c.heading(nodeText(node))
				return
			case "li", "p":
				c.add(nodeText(node))
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return nil
}

func nodeText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return buf.String()
}

// parsePDF extracts page text and treats it as plain notes. Pages that fail
// to decode are skipped.
func parsePDF(c *collector, path string) error {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	parseNotes(c, sb.String())
	return nil
}
