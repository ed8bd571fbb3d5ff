package agents

import (
	"encoding/json"
	"path"
	"regexp"
	"strings"

	"software-factory/internal/agentrpc"
)

// Extraction strategies, also used as metric labels
const (
	StrategyToolCall    = "tool_call"
	StrategySummaryJSON = "summary_json"
	StrategyCodeBlock   = "code_block"
)

var (
	writeToolNames = map[string]bool{
		"write":       true,
		"write_file":  true,
		"create_file": true,
	}
	pathArgKeys    = []string{"path", "file_path", "filePath"}
	contentArgKeys = []string{"content", "contents", "text"}

	testPathPattern = regexp.MustCompile(`(?i)test|spec`)
)

// Extraction is one agent's files split into sources and tests
type Extraction struct {
	Files    []FilePair
	Tests    []FilePair
	Strategy string
}

// Empty reports whether nothing was extracted
func (e Extraction) Empty() bool {
	return len(e.Files) == 0 && len(e.Tests) == 0
}

// ExtractToolCallFiles reads file writes straight out of a transcript's
// structured tool calls. A path written twice keeps its last content and its
// first position. The summary file is not a build artifact and is skipped.
func ExtractToolCallFiles(msgs []agentrpc.Message, workspaceRoot string) []FilePair {
	var pairs []FilePair
	index := make(map[string]int)

	for _, msg := range msgs {
		for _, call := range msg.ToolCalls() {
			if !writeToolNames[strings.ToLower(call.Name)] {
				continue
			}
			rawPath, ok := stringArg(call.Arguments, pathArgKeys)
			if !ok {
				continue
			}
			content, ok := stringArg(call.Arguments, contentArgKeys)
			if !ok {
				continue
			}

			p := StripWorkspaceRoot(rawPath, workspaceRoot)
			if p == "" || path.Base(p) == SummaryFileName {
				continue
			}

			if i, seen := index[p]; seen {
				pairs[i].Content = content
				continue
			}
			index[p] = len(pairs)
			pairs = append(pairs, FilePair{Path: p, Content: content})
		}
	}
	return pairs
}

func stringArg(args map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// StripWorkspaceRoot turns an agent-side path into a project-relative one:
// "/root/.workspace/server/foo.js" becomes "server/foo.js".
func StripWorkspaceRoot(p, workspaceRoot string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	root := strings.TrimRight(workspaceRoot, "/")
	if root != "" {
		if p == root {
			return ""
		}
		p = strings.TrimPrefix(p, root+"/")
	}
	for {
		switch {
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

// IsTestPath reports whether a path belongs in the tests list
func IsTestPath(p string) bool {
	return testPathPattern.MatchString(p)
}

// Classify splits pairs into source files and tests by path
func Classify(pairs []FilePair) (files, tests []FilePair) {
	for _, p := range pairs {
		if IsTestPath(p.Path) {
			tests = append(tests, p)
		} else {
			files = append(files, p)
		}
	}
	return files, tests
}

// ExtractFromOutput is the fallback for agents that wrote nothing through
// tool calls. It first looks for a fenced JSON summary document, then for
// fenced code blocks that name their file path (see blockPath).
func ExtractFromOutput(output, workspaceRoot string) Extraction {
	if strings.TrimSpace(output) == "" {
		return Extraction{}
	}

	blocks := fencedBlocks(output)

	if pairs, ok := summaryFromBlocks(blocks, workspaceRoot); ok {
		files, tests := Classify(pairs)
		return Extraction{Files: files, Tests: tests, Strategy: StrategySummaryJSON}
	}

	pairs := labeledBlocks(blocks, workspaceRoot)
	files, tests := Classify(pairs)
	return Extraction{Files: files, Tests: tests, Strategy: StrategyCodeBlock}
}

type fencedBlock struct {
	info    string // text after the opening fence, lowercased
	rawInfo string
	label   string // trimmed line directly above the opening fence
	body    string
}

// fencedBlocks splits markdown-ish text into its ``` blocks. An unterminated
// final block runs to the end of the text.
func fencedBlocks(text string) []fencedBlock {
	var blocks []fencedBlock
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var cur *fencedBlock
	var body []string
	prev := ""

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if cur == nil {
				info := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				cur = &fencedBlock{
					info:    strings.ToLower(info),
					rawInfo: info,
					label:   prev,
				}
				body = body[:0]
			} else {
				cur.body = strings.Join(body, "\n")
				blocks = append(blocks, *cur)
				cur = nil
			}
			prev = ""
			continue
		}
		if cur != nil {
			body = append(body, line)
			continue
		}
		prev = trimmed
	}
	if cur != nil {
		cur.body = strings.Join(body, "\n")
		blocks = append(blocks, *cur)
	}
	return blocks
}

type summaryDocument struct {
	Files   []FilePair `json:"files"`
	Tests   []FilePair `json:"tests"`
	Summary string     `json:"summary"`
}

// summaryFromBlocks returns the lists of the first JSON block that decodes to
// a summary document carrying at least one of the two lists.
func summaryFromBlocks(blocks []fencedBlock, workspaceRoot string) ([]FilePair, bool) {
	for _, blk := range blocks {
		if blk.info != "json" {
			continue
		}
		var doc summaryDocument
		if err := json.Unmarshal([]byte(blk.body), &doc); err != nil {
			continue
		}
		if doc.Files == nil && doc.Tests == nil {
			continue
		}

		var pairs []FilePair
		for _, list := range [][]FilePair{doc.Files, doc.Tests} {
			for _, fp := range list {
				p := sanitizeFilePath(StripWorkspaceRoot(fp.Path, workspaceRoot))
				if p == "" {
					continue
				}
				pairs = append(pairs, FilePair{Path: p, Content: fp.Content})
			}
		}
		return pairs, true
	}
	return nil, false
}

func labeledBlocks(blocks []fencedBlock, workspaceRoot string) []FilePair {
	var pairs []FilePair
	for _, blk := range blocks {
		p, body := blockPath(blk)
		if p == "" {
			continue
		}
		p = sanitizeFilePath(StripWorkspaceRoot(p, workspaceRoot))
		if p == "" || path.Base(p) == SummaryFileName {
			continue
		}
		pairs = append(pairs, FilePair{Path: p, Content: body})
	}
	return pairs
}

// blockPath finds the file a block belongs to: the label line above the
// fence, then the info string ("```js server/x.js"), then a path comment on
// the first line inside the fence. A path comment is dropped from the body.
func blockPath(blk fencedBlock) (string, string) {
	if p := pathFromLabel(blk.label); p != "" {
		return p, blk.body
	}

	if fields := strings.Fields(blk.rawInfo); len(fields) > 1 {
		candidate := strings.Trim(strings.TrimPrefix(fields[1], "title="), `"'`)
		if p := pathFromLabel(candidate); p != "" {
			return p, blk.body
		}
	}

	first, rest, _ := strings.Cut(blk.body, "\n")
	first = strings.TrimSpace(first)
	if hasLabelPrefix(first) && !strings.HasPrefix(first, "#!") {
		if p := pathFromLabel(first); p != "" {
			return p, rest
		}
	}
	return "", blk.body
}

func hasLabelPrefix(s string) bool {
	for _, prefix := range labelPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

var labelPrefixes = []string{"<!--", "/*", "//", "#", "--", ";"}

// pathFromLabel pulls a file path out of a label line such as
// "// File: server/x.js", "**server/x.js**", "`server/x.js`:" or "### src/app.ts".
// It returns "" when the line does not name a path containing "/" or ".".
func pathFromLabel(label string) string {
	s := strings.TrimSpace(label)
	if s == "" {
		return ""
	}

	for _, prefix := range labelPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimLeft(s, prefix))
			break
		}
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "-->"), "*/"))

	if i := strings.Index(strings.ToLower(s), "file:"); i >= 0 && i <= 2 {
		s = strings.TrimSpace(s[i+len("file:"):])
	}

	s = strings.Trim(s, "*` ")
	s = strings.TrimSuffix(s, ":")
	s = strings.Trim(s, "*` ")

	if s == "" || strings.ContainsAny(s, " \t") {
		return ""
	}
	if !strings.ContainsAny(s, "/.") || strings.HasSuffix(s, ".") {
		return ""
	}
	return s
}

// sanitizeFilePath rejects traversal and normalizes a relative path
func sanitizeFilePath(p string) string {
	cleaned := strings.TrimSpace(p)
	if cleaned == "" {
		return ""
	}
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if strings.HasPrefix(cleaned, "/") || (len(cleaned) > 1 && cleaned[1] == ':') {
		return ""
	}
	cleaned = path.Clean(cleaned)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return ""
	}
	return cleaned
}

// detectLanguage maps a file extension to the language tag stored with each file
func detectLanguage(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".html":
		return "html"
	case ".css":
		return "css"
	case ".sql":
		return "sql"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".md":
		return "markdown"
	case ".sh":
		return "bash"
	default:
		return "text"
	}
}
