// Package prompt builds the instruction text sent to the OCR vision model.
package prompt

import "fmt"

// Operating modes.
const (
	ModeDefault   = "default"
	ModeStructure = "structure"
)

// NaturalTextKey is the single field the model must return its answer in.
const NaturalTextKey = "natural_text"

// Markers delimiting prior extracted text inside a prompt.
const (
	RawTextStart = "RAW_TEXT_START"
	RawTextEnd   = "RAW_TEXT_END"
)

var templates = map[string]func(baseText string) string{
	ModeDefault: func(baseText string) string {
		return "Below is an image of a document page along with its dimensions. " +
			"Simply return the markdown representation of this document, presenting tables in markdown format as they naturally appear.\n" +
			"If the document contains images, use a placeholder like dummy.png for each image.\n" +
			outputContract() +
			rawText(baseText)
	},
	ModeStructure: func(baseText string) string {
		return "Below is an image of a document page, along with its dimensions and possibly some raw textual content previously extracted from it. " +
			"Note that the text extraction may be incomplete or partially missing. Carefully consider both the layout and any available text to reconstruct the document accurately.\n" +
			"Your task is to return the markdown representation of this document, presenting tables in HTML format as they naturally appear.\n" +
			"If the document contains images or figures, analyze them and include the tag <figure>IMAGE_ANALYSIS</figure> in the appropriate location.\n" +
			outputContract() +
			rawText(baseText)
	},
}

func outputContract() string {
	return fmt.Sprintf("Your final output must be in JSON format with a single key `%s` containing the response.\n", NaturalTextKey)
}

func rawText(baseText string) string {
	return RawTextStart + "\n" + baseText + "\n" + RawTextEnd
}

// Build returns the prompt for mode with baseText embedded verbatim between
// the raw text markers. Unknown modes use the default template.
func Build(mode, baseText string) string {
	tpl, ok := templates[mode]
	if !ok {
		tpl = templates[ModeDefault]
	}
	return tpl(baseText)
}

// Known reports whether mode selects its own template.
func Known(mode string) bool {
	_, ok := templates[mode]
	return ok
}

// Resolve returns override when it is non-empty, otherwise Build(mode, baseText).
func Resolve(override, mode, baseText string) string {
	if override != "" {
		return override
	}
	return Build(mode, baseText)
}
