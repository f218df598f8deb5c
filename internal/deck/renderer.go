// Package deck renders validated outlines into slide-deck PDFs.
package deck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rcourtman/deckforge/internal/metrics"
	"github.com/rcourtman/deckforge/internal/outline"
)

const (
	ContentTypePDF  = "application/pdf"
	DefaultFilename = "presentation.pdf"
)

// 16:9 widescreen page, 13.333in x 7.5in.
const (
	pageWidth  = 338.67
	pageHeight = 190.5

	marginX       = 22.0
	titleBandH    = 38.0
	bodyTop       = 52.0
	bodyBottom    = 172.0
	footerY       = 182.0
	bulletIndent  = 9.0
	bulletGap     = 3.5
	ptToMM        = 0.3528
	lineSpacing   = 1.35
	titleMaxLines = 2
)

var (
	colorPrimary   = [3]int{30, 58, 95}    // navy title band
	colorAccent    = [3]int{52, 152, 219}  // bullet markers
	colorTextDark  = [3]int{44, 62, 80}    // body text
	colorTextMuted = [3]int{127, 140, 141} // footer
	colorWatermark = [3]int{150, 150, 150}

	titleSizes  = []float64{28, 24, 20, 18}
	bulletSizes = []float64{22, 20, 18, 16, 14, 12}
)

// ErrorKind classifies render failures.
type ErrorKind string

const (
	IOFailure ErrorKind = "io_failure"
	// Canceled means ctx ended before the deck was written; Err wraps ctx.Err().
	Canceled ErrorKind = "canceled"
)

// RenderError reports why a deck could not be produced. Every error Render
// returns is a *RenderError: IOFailure for filesystem errors, Canceled when
// the context ends first.
type RenderError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render deck: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// RenderOptions tunes per-deck decoration.
type RenderOptions struct {
	Watermark string // drawn diagonally across every slide when set
	Footer    string // left-hand footer text; defaults to the outline topic
}

// Artifact is a rendered deck. The caller owns it; the renderer keeps no reference.
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
	SlideCount  int
	Titles      []string
}

// Renderer lays out one page per slide with a fixed template.
type Renderer struct {
	tempRoot string
	now      func() time.Time
}

// NewRenderer returns a Renderer that stages output under tempRoot
// (os.TempDir() when empty).
func NewRenderer(tempRoot string) *Renderer {
	return &Renderer{tempRoot: tempRoot, now: time.Now}
}

// TempRoot returns the directory under which scratch directories are created.
func (r *Renderer) TempRoot() string {
	if r.tempRoot == "" {
		return os.TempDir()
	}
	return r.tempRoot
}

// Render produces a PDF with exactly one page per slide, in order. The outline
// is read, never modified. Scratch files are removed on every return path.
func (r *Renderer) Render(ctx context.Context, o outline.Outline, opts RenderOptions) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RenderError{Kind: Canceled, Op: "start", Err: err}
	}
	start := time.Now()
	defer metrics.ObserveSince(metrics.RenderDuration, start)

	dir, err := os.MkdirTemp(r.TempRoot(), "deck-*")
	if err != nil {
		return nil, &RenderError{Kind: IOFailure, Op: "create temp dir", Err: err}
	}
	defer os.RemoveAll(dir)

	pdf := r.layout(o, opts)
	if err := ctx.Err(); err != nil {
		return nil, &RenderError{Kind: Canceled, Op: "layout", Err: err}
	}

	path := filepath.Join(dir, DefaultFilename)
	if err := pdf.OutputFileAndClose(path); err != nil {
		return nil, &RenderError{Kind: IOFailure, Op: "write pdf", Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RenderError{Kind: IOFailure, Op: "read pdf", Err: err}
	}
	if len(data) == 0 {
		return nil, &RenderError{Kind: IOFailure, Op: "read pdf", Err: errors.New("empty output")}
	}

	return &Artifact{
		Data:        data,
		ContentType: ContentTypePDF,
		Filename:    DefaultFilename,
		SlideCount:  len(o.Slides),
		Titles:      o.Titles(),
	}, nil
}

func (r *Renderer) layout(o outline.Outline, opts RenderOptions) *fpdf.Fpdf {
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "L",
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: pageHeight, Ht: pageWidth},
	})
	pdf.SetCompression(false)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(marginX, marginX, marginX)
	pdf.SetTitle(o.Topic, true)
	pdf.SetCreator("deckforge", true)
	pdf.SetCreationDate(r.now())

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	footer := opts.Footer
	if footer == "" {
		footer = o.Topic
	}

	for i, slide := range o.Slides {
		pdf.AddPage()
		writeTitle(pdf, tr(slide.Title))
		writeBullets(pdf, slide.Bullets, tr)
		writeFooter(pdf, tr(footer), i+1, len(o.Slides))
		if opts.Watermark != "" {
			writeWatermark(pdf, tr(opts.Watermark))
		}
	}
	return pdf
}

func writeTitle(pdf *fpdf.Fpdf, title string) {
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, titleBandH, "F")

	width := pageWidth - 2*marginX
	size := titleSizes[len(titleSizes)-1]
	for _, s := range titleSizes {
		pdf.SetFont("Helvetica", "B", s)
		if len(pdf.SplitText(title, width)) <= titleMaxLines {
			size = s
			break
		}
	}
	pdf.SetFont("Helvetica", "B", size)
	lineH := size * ptToMM * 1.15
	lines := pdf.SplitText(title, width)
	if len(lines) > titleMaxLines {
		lines = lines[:titleMaxLines]
	}

	pdf.SetTextColor(255, 255, 255)
	y := (titleBandH - float64(len(lines))*lineH) / 2
	for _, line := range lines {
		pdf.SetXY(marginX, y)
		pdf.CellFormat(width, lineH, line, "", 0, "L", false, 0, "")
		y += lineH
	}
}

func writeBullets(pdf *fpdf.Fpdf, bullets []string, tr func(string) string) {
	textW := pageWidth - 2*marginX - bulletIndent
	texts := make([]string, len(bullets))
	for i, b := range bullets {
		texts[i] = tr(b)
	}

	size, lineH := fitBulletFont(pdf, texts, textW)
	pdf.SetFont("Helvetica", "", size)

	y := bodyTop
	for _, text := range texts {
		pdf.SetFillColor(colorAccent[0], colorAccent[1], colorAccent[2])
		pdf.Circle(marginX+2.5, y+lineH/2, size*ptToMM*0.18, "F")

		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.SetXY(marginX+bulletIndent, y)
		pdf.MultiCell(textW, lineH, text, "", "L", false)
		y = pdf.GetY() + bulletGap
	}
}

// fitBulletFont picks the largest font size whose wrapped bullets fit the body area.
func fitBulletFont(pdf *fpdf.Fpdf, texts []string, width float64) (size, lineH float64) {
	available := bodyBottom - bodyTop
	for _, s := range bulletSizes {
		pdf.SetFont("Helvetica", "", s)
		lh := s * ptToMM * lineSpacing
		lines := 0
		for _, t := range texts {
			lines += len(pdf.SplitText(t, width))
		}
		if float64(lines)*lh+float64(len(texts)-1)*bulletGap <= available {
			return s, lh
		}
	}
	s := bulletSizes[len(bulletSizes)-1]
	return s, s * ptToMM * lineSpacing
}

func writeFooter(pdf *fpdf.Fpdf, footer string, page, total int) {
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	width := pageWidth - 2*marginX
	pdf.SetXY(marginX, footerY)
	pdf.CellFormat(width*0.8, 5, footer, "", 0, "L", false, 0, "")
	pdf.SetXY(marginX+width*0.8, footerY)
	pdf.CellFormat(width*0.2, 5, strconv.Itoa(page)+" / "+strconv.Itoa(total), "", 0, "R", false, 0, "")
}

func writeWatermark(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 54)
	pdf.SetTextColor(colorWatermark[0], colorWatermark[1], colorWatermark[2])
	pdf.SetAlpha(0.18, "Normal")

	cx, cy := pageWidth/2, pageHeight/2
	w := pdf.GetStringWidth(text)
	pdf.TransformBegin()
	pdf.TransformRotate(25, cx, cy)
	pdf.Text(cx-w/2, cy, text)
	pdf.TransformEnd()

	pdf.SetAlpha(1, "Normal")
}
