package completion

import (
	"fmt"
	"strings"

	"github.com/rcourtman/deckforge/internal/outline"
)

const systemPrompt = "You are a professional presentation creator. Create clear, engaging and informative presentation content."

const userPromptTemplate = `Create a presentation about: %s

Requirements:
1. Generate exactly %d slides.
2. Each slide must have a clear, specific title of at most %d characters.
3. Each slide must have 3-4 bullet points that support the title, each a complete sentence of at most %d characters.
4. Content should be accurate, logically structured and free of repetition.
5. Prefer specific examples and real-world applications over basic definitions.

Format the response exactly as follows and add nothing else:
Title: [Presentation Title]

Slide 1: [Slide Title]
- [Bullet Point 1]
- [Bullet Point 2]
- [Bullet Point 3]

Slide 2: [Slide Title]
[Continue for all %d slides]`

// MaxSourceLength caps user-supplied source text, in runes.
const MaxSourceLength = 12000

const sourceSystemSuffix = "\nUse the provided content as source material, extracting and organizing the most important points into a coherent presentation. Do not add facts the source does not support."

const sourceTemplate = `

Source material (between the markers):
<<<SOURCE
%s
SOURCE>>>`

// BuildPrompt returns the system and user messages for topic. With a non-empty
// source the model is told to build the deck from that text instead of its own
// knowledge. Identical inputs always produce identical prompts.
func BuildPrompt(topic, source string) (system, user string) {
	topic = strings.Join(strings.Fields(topic), " ")
	user = fmt.Sprintf(userPromptTemplate,
		topic, outline.SlideCount, outline.MaxTitleLen, outline.MaxBulletLen, outline.SlideCount)

	source = strings.TrimSpace(source)
	if source == "" {
		return systemPrompt, user
	}
	return systemPrompt + sourceSystemSuffix, user + fmt.Sprintf(sourceTemplate, source)
}
