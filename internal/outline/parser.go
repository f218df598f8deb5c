package outline

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParseErrorKind classifies parse failures.
type ParseErrorKind string

const MalformedStructure ParseErrorKind = "malformed_structure"

// ParseError reports model output that could not be shaped into an outline.
type ParseError struct {
	Kind   ParseErrorKind
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse outline: %s: %s", e.Kind, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedStructure && e.Kind == MalformedStructure
}

var (
	deckTitleRe   = regexp.MustCompile(`^(?i)(?:presentation\s+)?title\s*:\s*(.*)$`)
	slidePrefixRe = regexp.MustCompile(`^(?i)slide\s+\d+\b\s*[:.)\-–—]?\s*(.*)$`)
	mdHeadingRe   = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	boldOnlyRe    = regexp.MustCompile(`^(?:\*\*([^*]+)\*\*|__([^_]+)__)\s*:?$`)
	numberedRe    = regexp.MustCompile(`^\d{1,2}[.)]\s+(.+)$`)
	bulletRe      = regexp.MustCompile(`^[-*•–—+▪◦]\s*(.+)$`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

type lineKind int

const (
	lineText lineKind = iota
	lineDeckTitle
	lineHeading
	lineNumbered
	lineBullet
)

type classified struct {
	kind     lineKind
	text     string
	slide    bool // "Slide N" prefix
	indented bool
}

type section struct {
	title   string
	bullets []string
}

// Parse converts raw model text into an Outline. It is lenient about the shape of
// the text but never invents content: bullets beyond MaxBullets are dropped, text
// beyond the schema limits is cut on a word boundary, sections after the fifth are
// ignored. Fewer than five sections, or a section without a title or bullets,
// yields a *ParseError of kind MalformedStructure.
func Parse(raw string) (Outline, error) {
	lines := classifyLines(raw)

	explicitHeadings := false
	for _, l := range lines {
		if l.kind == lineHeading {
			explicitHeadings = true
			break
		}
	}

	var (
		topic    string
		sections []*section
		current  *section
	)
	startSection := func(title string) {
		current = &section{title: title}
		sections = append(sections, current)
	}

	for i, l := range lines {
		switch l.kind {
		case lineDeckTitle:
			switch {
			case current == nil && topic == "":
				topic = l.text
			case current != nil && current.title == "":
				current.title = l.text
			}

		case lineHeading:
			startSection(l.text)

		case lineNumbered:
			if current != nil && current.title != "" && (explicitHeadings || l.indented) {
				current.bullets = append(current.bullets, l.text)
				continue
			}
			startSection(l.text)

		case lineBullet:
			if current == nil {
				continue
			}
			current.bullets = append(current.bullets, l.text)

		case lineText:
			switch {
			case current != nil && current.title == "":
				current.title = l.text
			case (current == nil || len(current.bullets) > 0) && followedByBullet(lines, i):
				// A bare line heading a run of bullets: "Qubits\n• Superposition".
				startSection(l.text)
			}
		}
	}

	// A bullet-less heading ahead of five or more slides names the deck.
	for len(sections) > SlideCount && len(sections[0].bullets) == 0 {
		if topic == "" {
			topic = sections[0].title
		}
		sections = sections[1:]
	}

	if len(sections) < SlideCount {
		return Outline{}, &ParseError{Kind: MalformedStructure, Reason: fmt.Sprintf("found %d sections, need %d", len(sections), SlideCount)}
	}

	out := Outline{Topic: truncateWords(topic, MaxTitleLen), Slides: make([]Slide, 0, SlideCount)}
	for i, s := range sections[:SlideCount] {
		if s.title == "" {
			return Outline{}, &ParseError{Kind: MalformedStructure, Reason: fmt.Sprintf("section %d has no title", i+1)}
		}
		bullets := make([]string, 0, MaxBullets)
		for _, b := range s.bullets {
			if len(bullets) == MaxBullets {
				break
			}
			bullets = append(bullets, truncateWords(b, MaxBulletLen))
		}
		if len(bullets) == 0 {
			return Outline{}, &ParseError{Kind: MalformedStructure, Reason: fmt.Sprintf("section %d (%q) has no bullets", i+1, s.title)}
		}
		out.Slides = append(out.Slides, Slide{Title: truncateWords(s.title, MaxTitleLen), Bullets: bullets})
	}
	return out, nil
}

func followedByBullet(lines []classified, i int) bool {
	return i+1 < len(lines) && lines[i+1].kind == lineBullet
}

func classifyLines(raw string) []classified {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var out []classified
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "```") || isRule(trimmed) {
			continue
		}
		c := classify(trimmed)
		c.indented = line[0] == ' ' || line[0] == '\t'
		// "Slide 3:" alone is a boundary whose title follows on the next line.
		if c.text == "" && !(c.kind == lineHeading && c.slide) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func classify(line string) classified {
	level := 0
	body := line
	if m := mdHeadingRe.FindStringSubmatch(line); m != nil {
		level = len(m[1])
		body = strings.TrimSpace(m[2])
	}
	bold := false
	if m := boldOnlyRe.FindStringSubmatch(body); m != nil {
		bold = true
		body = strings.TrimSpace(m[1] + m[2])
	}
	// "**Title:** Foo" and "Title: **Foo**" both name the deck.
	unstyled := stripEmphasis(body)

	if m := deckTitleRe.FindStringSubmatch(unstyled); m != nil && level <= 1 {
		return classified{kind: lineDeckTitle, text: clean(m[1])}
	}
	if m := slidePrefixRe.FindStringSubmatch(unstyled); m != nil {
		return classified{kind: lineHeading, text: clean(m[1]), slide: true}
	}
	if level > 0 || bold {
		// "## 2. History" keeps only "History".
		if m := numberedRe.FindStringSubmatch(unstyled); m != nil {
			unstyled = m[1]
		}
		return classified{kind: lineHeading, text: clean(unstyled)}
	}
	if m := numberedRe.FindStringSubmatch(line); m != nil {
		return classified{kind: lineNumbered, text: clean(m[1])}
	}
	if !strings.HasPrefix(line, "**") && !strings.HasPrefix(line, "__") {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			text := m[1]
			// A bulleted "Slide 2: Foo" is still a slide boundary.
			if sm := slidePrefixRe.FindStringSubmatch(stripEmphasis(text)); sm != nil {
				return classified{kind: lineHeading, text: clean(sm[1]), slide: true}
			}
			return classified{kind: lineBullet, text: clean(text)}
		}
	}
	return classified{kind: lineText, text: clean(line)}
}

func isRule(line string) bool {
	if len(line) < 3 {
		return false
	}
	for _, r := range line {
		if r != '-' && r != '*' && r != '_' && r != '=' {
			return false
		}
	}
	return true
}

func stripEmphasis(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	return s
}

var quotePairs = [][2]string{{`"`, `"`}, {`'`, `'`}, {"“", "”"}, {"‘", "’"}, {"`", "`"}}

func clean(s string) string {
	s = stripEmphasis(s)
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	s = strings.TrimRight(s, ":")
	for {
		stripped := false
		for _, q := range quotePairs {
			if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
				s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
				stripped = true
			}
		}
		if !stripped {
			break
		}
	}
	return strings.TrimSpace(s)
}

// truncateWords shortens s to at most max runes, cutting at the last word boundary
// when there is one.
func truncateWords(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := runes[:max]
	if unicode.IsSpace(runes[max]) {
		return strings.TrimRightFunc(string(cut), trailingJunk)
	}
	for i := len(cut) - 1; i > 0; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimRightFunc(string(cut[:i]), trailingJunk)
		}
	}
	return string(cut)
}

func trailingJunk(r rune) bool {
	return unicode.IsSpace(r) || strings.ContainsRune(",;:-–—", r)
}
