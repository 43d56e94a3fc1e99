package quiz

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/korjavin/tutorbot/models"
)

const (
	OpenMarker  = "[MULTIPLE_CHOICE]"
	CloseMarker = "[/MULTIPLE_CHOICE]"
)

// blockPattern matches the shortest span between an open marker and the next close marker
var blockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(OpenMarker) + `(.*?)` + regexp.QuoteMeta(CloseMarker))

// BlockDecodeError describes a question block whose payload could not be used
type BlockDecodeError struct {
	Payload string
	Err     error
}

func (e *BlockDecodeError) Error() string {
	return fmt.Sprintf("decode question block: %v", e.Err)
}

func (e *BlockDecodeError) Unwrap() error {
	return e.Err
}

// Block is one delimited span found in a text
type Block struct {
	// Start and End are byte offsets of the span, markers included
	Start, End int
	Question   *models.Question
	Err        *BlockDecodeError
}

// Scan locates every question block in text, left to right, and decodes each payload
func Scan(text string) []Block {
	locs := blockPattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	blocks := make([]Block, 0, len(locs))
	for _, loc := range locs {
		payload := strings.TrimSpace(text[loc[2]:loc[3]])
		block := Block{Start: loc[0], End: loc[1]}

		q, err := decode(payload)
		if err != nil {
			block.Err = &BlockDecodeError{Payload: payload, Err: err}
		} else {
			block.Question = &q
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// Extract removes every question block from text and returns the remaining text
// together with the questions that decoded cleanly, in order of appearance.
// Malformed blocks are removed from the text but produce no question.
func Extract(text string) (string, []models.Question) {
	cleaned, questions, _ := ExtractWithErrors(text)
	return cleaned, questions
}

// ExtractWithErrors is Extract that also reports why blocks were dropped
func ExtractWithErrors(text string) (string, []models.Question, []*BlockDecodeError) {
	blocks := Scan(text)
	if len(blocks) == 0 {
		return text, nil, nil
	}

	var (
		sb        strings.Builder
		questions []models.Question
		dropped   []*BlockDecodeError
		last      int
	)
	for _, b := range blocks {
		sb.WriteString(text[last:b.Start])
		last = b.End

		if b.Err != nil {
			dropped = append(dropped, b.Err)
			continue
		}
		questions = append(questions, *b.Question)
	}
	sb.WriteString(text[last:])

	return sb.String(), questions, dropped
}

func decode(payload string) (models.Question, error) {
	var q models.Question
	if err := json.Unmarshal([]byte(payload), &q); err != nil {
		return models.Question{}, err
	}
	if err := q.Validate(); err != nil {
		return models.Question{}, err
	}
	return q, nil
}

// Encode renders a question in the inline block format the tutor is asked to use
func Encode(q models.Question) string {
	payload, _ := json.MarshalIndent(q, "", "  ")
	return OpenMarker + "\n" + string(payload) + "\n" + CloseMarker
}
