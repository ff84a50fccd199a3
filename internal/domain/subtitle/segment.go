// Package subtitle holds the wire/intermediate shapes that flow between
// the Transcribe and Enrich stages and out to the final JSON artifact.
package subtitle

// Word is a single ASR word with a millisecond time span.
type Word struct {
	StartMS int    `json:"start_ms"`
	EndMS   int    `json:"end_ms"`
	Text    string `json:"text"`
}

// Segment is an ASR segment: ordered words within a time span. When the
// ASR engine returns word-level timings, Transcribe emits one word per
// segment so Enrich can re-segment linguistically.
type Segment struct {
	StartMS int    `json:"start_ms"`
	EndMS   int    `json:"end_ms"`
	Text    string `json:"text"`
	Words   []Word `json:"words"`
}

// Token is a linguistic unit inside an enriched segment.
type Token struct {
	Text         string `json:"text"`
	Reading      string `json:"reading,omitempty"`
	Romanization string `json:"romanization,omitempty"`
	POS          string `json:"pos,omitempty"`
	StartMS      *int   `json:"start_ms,omitempty"`
	EndMS        *int   `json:"end_ms,omitempty"`
}

// EnrichedSegment is an ASR Segment plus per-segment tokens and an
// optional translation. concat(Tokens[*].Text), ignoring whitespace, must
// equal Text character-for-character.
type EnrichedSegment struct {
	StartMS     int     `json:"start_ms"`
	EndMS       int     `json:"end_ms"`
	Text        string  `json:"text"`
	Translation string  `json:"translation,omitempty"`
	Words       []Word  `json:"words"`
	Tokens      []Token `json:"tokens"`
}

// ArtifactToken is the wire shape for a token in the final JSON artifact —
// field names are a stable external contract distinct from the internal
// Token shape (furigana/romaji/type replace reading/romanization/pos,
// start_time/end_time replace start_ms/end_ms).
type ArtifactToken struct {
	Text      string `json:"text"`
	Furigana  string `json:"furigana,omitempty"`
	Romaji    string `json:"romaji,omitempty"`
	Type      string `json:"type,omitempty"`
	StartTime *int   `json:"start_time,omitempty"`
	EndTime   *int   `json:"end_time,omitempty"`
}

// ArtifactWordSegment mirrors Word in the artifact's external field names.
type ArtifactWordSegment struct {
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
	Text      string `json:"text"`
}

// ArtifactSegment is one entry of the final JSON artifact array.
type ArtifactSegment struct {
	StartTime    int                   `json:"start_time"`
	EndTime      int                   `json:"end_time"`
	Text         string                `json:"text"`
	Translation  string                `json:"translation,omitempty"`
	WordSegments []ArtifactWordSegment `json:"word_segments"`
	Tokens       []ArtifactToken       `json:"tokens"`
}

// ToArtifact converts the internal enriched-segment shape to the stable
// external contract of §6's "Final JSON artifact".
func ToArtifact(segs []EnrichedSegment) []ArtifactSegment {
	out := make([]ArtifactSegment, 0, len(segs))
	for _, s := range segs {
		words := make([]ArtifactWordSegment, 0, len(s.Words))
		for _, w := range s.Words {
			words = append(words, ArtifactWordSegment{StartTime: w.StartMS, EndTime: w.EndMS, Text: w.Text})
		}
		toks := make([]ArtifactToken, 0, len(s.Tokens))
		for _, t := range s.Tokens {
			toks = append(toks, ArtifactToken{
				Text:      t.Text,
				Furigana:  t.Reading,
				Romaji:    t.Romanization,
				Type:      t.POS,
				StartTime: t.StartMS,
				EndTime:   t.EndMS,
			})
		}
		out = append(out, ArtifactSegment{
			StartTime:    s.StartMS,
			EndTime:      s.EndMS,
			Text:         s.Text,
			Translation:  s.Translation,
			WordSegments: words,
			Tokens:       toks,
		})
	}
	return out
}
