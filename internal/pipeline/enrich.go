package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/clipcaption/pipeline/internal/clients/openai"
	"github.com/clipcaption/pipeline/internal/domain/subtitle"
	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/jobs/runtime"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/gcp"
	"github.com/clipcaption/pipeline/internal/platform/logger"
	"github.com/clipcaption/pipeline/internal/platform/stepcache"
)

const (
	maxTokenRepairSteps  = 3
	translationBatchSize = 10
)

var (
	segmentationSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"segments": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"segments"},
	}
	tokenAnalysisSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tokens": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":         map[string]any{"type": "string"},
						"reading":      map[string]any{"type": "string"},
						"romanization": map[string]any{"type": "string"},
						"pos":          map[string]any{"type": "string"},
					},
					"required": []string{"text"},
				},
			},
		},
		"required": []string{"tokens"},
	}
	translationSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"translations": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"translations"},
	}
)

// EnrichHandler runs the Enrich stage's five sub-steps (§4.7): linguistic
// re-segmentation, per-segment token analysis, token time alignment,
// translation, and final-artifact assembly. A straight linear order is the
// reference implementation; (c) and (d) are independent after (a)/(b) but
// run sequentially here for simplicity.
type EnrichHandler struct {
	log          *logger.Logger
	blobs        gcp.BlobStore
	llm          openai.Client
	cache        stepcache.Cache
	limiter      *Limiter
	coordinator  *Coordinator
	targetLang   string
	llmModel     string
	maxCJKChars  int
	maxENChars   int
}

func NewEnrichHandler(log *logger.Logger, blobs gcp.BlobStore, llm openai.Client, cache stepcache.Cache, coordinator *Coordinator) *EnrichHandler {
	return &EnrichHandler{
		log:         log.With("service", "pipeline.EnrichHandler"),
		blobs:       blobs,
		llm:         llm,
		cache:       cache,
		limiter:     NewLimiter(10),
		coordinator: coordinator,
		targetLang:  "en",
		llmModel:    "default",
		maxCJKChars: 20,
		maxENChars:  60,
	}
}

func (h *EnrichHandler) Type() string { return string(domain.WorkUnitEnrich) }

func (h *EnrichHandler) Run(rc *runtime.Context) error {
	segmentsRef := rc.PayloadString("segments_ref")
	if segmentsRef == "" {
		return h.terminal(rc, "enrich", apierr.Input("missing_segments_ref", fmt.Errorf("work unit payload has no segments_ref")))
	}
	rootID, err := RootTaskID(rc.Payload())
	if err != nil {
		return h.terminal(rc, "enrich", err)
	}

	raw, err := h.blobs.Get(rc.Ctx, segmentsRef)
	if err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "enrich", err)
	}
	var wordSegments []subtitle.Segment
	if err := json.Unmarshal(raw, &wordSegments); err != nil {
		return h.terminal(rc, "enrich", apierr.Input("invalid_segments_json", err))
	}

	words := flattenWords(wordSegments)
	fullText := joinWordText(words)
	if strings.TrimSpace(fullText) == "" {
		return h.terminal(rc, "enrich", apierr.Input("empty_transcript", fmt.Errorf("no words to enrich")))
	}

	cfg := map[string]string{
		"llm_model":                   h.llmModel,
		"segmentation_prompt_version": "v1",
	}

	// (a) linguistic re-segmentation
	sentences, err := h.segmentText(rc.Ctx, fullText, cfg)
	if err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "enrich.segment", err)
	}
	_ = rc.Progress(10, "segmented transcript")

	spans := alignSentencesToWords(sentences, words)

	// (b) per-segment token analysis
	tokenCfg := map[string]string{"llm_model": h.llmModel, "token_prompt_version": "v1"}
	tokensBySegment := make([][]subtitle.Token, len(sentences))
	var tokenErr error
	for i, s := range sentences {
		toks, err := h.analyzeSegmentTokens(rc.Ctx, s, tokenCfg)
		if err != nil {
			tokenErr = err
			break
		}
		tokensBySegment[i] = toks
		pct := 10 + int(float64(i+1)/float64(len(sentences))*30)
		_ = rc.Progress(pct, fmt.Sprintf("analyzed segment %d/%d", i+1, len(sentences)))
	}
	if tokenErr != nil {
		if apierr.Transient(tokenErr) {
			return tokenErr
		}
		return h.terminal(rc, "enrich.token_analyze", tokenErr)
	}

	// (c) token time-stamp alignment
	for i, span := range spans {
		if !span.OK {
			continue
		}
		tokensBySegment[i] = alignTokensToWords(tokensBySegment[i], span.Words)
	}
	_ = rc.Progress(45, "aligned token times")

	// (d) translation
	translations, err := h.translateAll(rc, sentences)
	if err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "enrich.translate", err)
	}
	_ = rc.Progress(90, "translated segments")

	// (e) final artifact
	enriched := make([]subtitle.EnrichedSegment, len(sentences))
	for i, s := range sentences {
		startMS, endMS := 0, 0
		var enrichedWords []subtitle.Word
		if spans[i].OK {
			startMS, endMS = spans[i].StartMS, spans[i].EndMS
			enrichedWords = spans[i].Words
		}
		enriched[i] = subtitle.EnrichedSegment{
			StartMS:     startMS,
			EndMS:       endMS,
			Text:        s,
			Translation: translations[i],
			Words:       enrichedWords,
			Tokens:      tokensBySegment[i],
		}
	}

	artifact := subtitle.ToArtifact(enriched)
	artifactRaw, err := json.Marshal(artifact)
	if err != nil {
		return h.terminal(rc, "enrich", apierr.Storage("marshal_artifact_failed", err))
	}
	outputKey := fmt.Sprintf("%s/enriched.json", rc.Task.TaskID.String())
	if err := h.blobs.Put(rc.Ctx, outputKey, bytes.NewReader(artifactRaw), "application/json"); err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "enrich", err)
	}

	if err := rc.Succeed("enrichment complete", outputKey); err != nil {
		return err
	}
	return h.coordinator.AdvanceAfterEnrich(rc.Ctx, rootID, outputKey)
}

func (h *EnrichHandler) terminal(rc *runtime.Context, stage string, err error) error {
	_ = rc.Fail(stage, err.Error())
	if rootID, rerr := RootTaskID(rc.Payload()); rerr == nil {
		_ = h.coordinator.PropagateFailure(rc.Ctx, rootID, stage, err.Error())
	}
	return err
}

// ---------------------------- (a) segmentation ----------------------------

type segmentationResponse struct {
	Segments []string `json:"segments"`
}

func (h *EnrichHandler) segmentText(ctx context.Context, fullText string, cfg map[string]string) ([]string, error) {
	cacheKey := stepcache.Key("enrich.segment", stepcache.FingerprintSHA256([]byte(fullText)), cfg)
	return RunCached(ctx, h.cache, cacheKey, LLMCacheTTL, func(ctx context.Context) ([]string, error) {
		if err := h.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer h.limiter.Release()

		system := "You split a transcript into sentence-level segments bounded by " +
			"CJK-aware punctuation and maximum character counts. Never lemmatize, " +
			"expand morphemes, or correct spelling. Return every character of the " +
			"input exactly once, in order, split only at segment boundaries."
		user := fmt.Sprintf("max_cjk=%d max_en=%d\n\n%s", h.maxCJKChars, h.maxENChars, fullText)

		obj, err := h.llm.GenerateJSON(ctx, system, user, "segmentation", segmentationSchema)
		if err != nil {
			return nil, err
		}
		raw, _ := json.Marshal(obj)
		var resp segmentationResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, apierr.Upstream("invalid_segmentation_response", err)
		}
		if stripWS(strings.Join(resp.Segments, "")) != stripWS(fullText) {
			return nil, apierr.Upstream("segmentation_contract_violated",
				fmt.Errorf("concatenation of returned segments does not equal input text"))
		}
		return resp.Segments, nil
	})
}

// ------------------------- (b) per-segment tokens --------------------------

type tokenAnalysisResponse struct {
	Tokens []subtitle.Token `json:"tokens"`
}

func (h *EnrichHandler) analyzeSegmentTokens(ctx context.Context, segmentText string, cfg map[string]string) ([]subtitle.Token, error) {
	if strings.TrimSpace(segmentText) == "" {
		return nil, nil
	}
	cacheKey := stepcache.Key("enrich.token_analyze", stepcache.FingerprintSHA256([]byte(segmentText)), cfg)
	return RunCached(ctx, h.cache, cacheKey, LLMCacheTTL, func(ctx context.Context) ([]subtitle.Token, error) {
		return h.analyzeWithRepair(ctx, segmentText)
	})
}

// analyzeWithRepair enforces the validation laws of §4.7(b), retrying up to
// maxTokenRepairSteps times with the previous violation fed back into the
// prompt, then emitting a degraded one-token-per-character fallback.
func (h *EnrichHandler) analyzeWithRepair(ctx context.Context, segmentText string) ([]subtitle.Token, error) {
	var repairReason string
	for attempt := 0; attempt <= maxTokenRepairSteps; attempt++ {
		toks, err := h.requestTokenAnalysis(ctx, segmentText, repairReason)
		if err != nil {
			return nil, err
		}
		reason, ok := validateTokens(segmentText, toks)
		if ok {
			return toks, nil
		}
		repairReason = reason
	}
	return fallbackTokens(segmentText), nil
}

func (h *EnrichHandler) requestTokenAnalysis(ctx context.Context, segmentText, repairReason string) ([]subtitle.Token, error) {
	if err := h.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer h.limiter.Release()

	system := "You split a segment of text into an ordered list of linguistic " +
		"tokens, each with its surface text, reading, romanization and part of " +
		"speech. Never drop, insert, reorder, replace or \"correct\" a character. " +
		"Each token's text must be a contiguous substring of the segment."
	user := segmentText
	if repairReason != "" {
		user = fmt.Sprintf("Your previous answer violated a rule: %s\nRe-analyze the same segment, fixing this.\n\n%s", repairReason, segmentText)
	}

	obj, err := h.llm.GenerateJSON(ctx, system, user, "token_analysis", tokenAnalysisSchema)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(obj)
	var resp tokenAnalysisResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apierr.Upstream("invalid_token_analysis_response", err)
	}
	return resp.Tokens, nil
}

// validateTokens enforces: character-for-character equality of the
// concatenated token text against the segment text (whitespace-
// insensitive), and that every token's text is a contiguous substring of
// the segment.
func validateTokens(segmentText string, toks []subtitle.Token) (reason string, ok bool) {
	var concat strings.Builder
	for _, t := range toks {
		concat.WriteString(t.Text)
		if !strings.Contains(segmentText, t.Text) {
			return fmt.Sprintf("token %q is not a contiguous substring of the segment", t.Text), false
		}
	}
	if stripWS(concat.String()) != stripWS(segmentText) {
		return "concatenation of token text does not equal the segment text", false
	}
	return "", true
}

// fallbackTokens emits the documented degraded output: one token per
// character, empty reading/romanization/pos.
func fallbackTokens(segmentText string) []subtitle.Token {
	runes := []rune(segmentText)
	out := make([]subtitle.Token, 0, len(runes))
	for _, r := range runes {
		if unicode.IsSpace(r) {
			continue
		}
		out = append(out, subtitle.Token{Text: string(r)})
	}
	return out
}

// ------------------------------ (d) translation -----------------------------

type translationResponse struct {
	Translations []string `json:"translations"`
}

func (h *EnrichHandler) translateAll(rc *runtime.Context, sentences []string) ([]string, error) {
	translations := make([]string, len(sentences))

	type batch struct {
		start, end int
	}
	var batches []batch
	for start := 0; start < len(sentences); start += translationBatchSize {
		end := start + translationBatchSize
		if end > len(sentences) {
			end = len(sentences)
		}
		batches = append(batches, batch{start, end})
	}

	var (
		mu       sync.Mutex
		finished int
	)
	g, gctx := errgroup.WithContext(rc.Ctx)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			out, err := h.translateBatch(gctx, sentences[b.start:b.end])
			if err != nil {
				return err
			}
			mu.Lock()
			copy(translations[b.start:b.end], out)
			finished += b.end - b.start
			pct := 50 + int(float64(finished)/float64(len(sentences))*40)
			mu.Unlock()
			_ = rc.Progress(pct, fmt.Sprintf("translated %d/%d segments", finished, len(sentences)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return translations, nil
}

func (h *EnrichHandler) translateBatch(ctx context.Context, texts []string) ([]string, error) {
	cfg := map[string]string{
		"llm_model":                  h.llmModel,
		"translation_prompt_version": "v1",
		"target_language":            h.targetLang,
	}
	fingerprint := stepcache.FingerprintSHA256([]byte(strings.Join(texts, "\x1f")))
	cacheKey := stepcache.Key("enrich.translate", fingerprint, cfg)

	return RunCached(ctx, h.cache, cacheKey, LLMCacheTTL, func(ctx context.Context) ([]string, error) {
		if err := h.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer h.limiter.Release()

		system := fmt.Sprintf("Translate each numbered sentence into %s. Return exactly one translation per input sentence, in order.", h.targetLang)
		var user strings.Builder
		for i, t := range texts {
			fmt.Fprintf(&user, "%d. %s\n", i+1, t)
		}

		obj, err := h.llm.GenerateJSON(ctx, system, user.String(), "translation", translationSchema)
		if err != nil {
			return nil, err
		}
		raw, _ := json.Marshal(obj)
		var resp translationResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, apierr.Upstream("invalid_translation_response", err)
		}
		if len(resp.Translations) != len(texts) {
			return nil, apierr.Upstream("translation_count_mismatch",
				fmt.Errorf("expected %d translations, got %d", len(texts), len(resp.Translations)))
		}
		return resp.Translations, nil
	})
}

// ------------------------------ shared helpers ------------------------------

func stripWS(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func flattenWords(segs []subtitle.Segment) []subtitle.Word {
	var words []subtitle.Word
	for _, s := range segs {
		if len(s.Words) > 0 {
			words = append(words, s.Words...)
			continue
		}
		words = append(words, subtitle.Word{StartMS: s.StartMS, EndMS: s.EndMS, Text: s.Text})
	}
	return words
}

func joinWordText(words []subtitle.Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, "")
}

// sentenceSpan is the word range a re-segmented sentence covers in the
// original word-level timeline, or OK=false if the text diverged from the
// original and alignment had to be skipped (§4.7(c)).
type sentenceSpan struct {
	Words   []subtitle.Word
	StartMS int
	EndMS   int
	OK      bool
}

// ownerStream maps each non-whitespace character position across texts, in
// order, to the index of the text it came from.
func ownerStream(texts []string) []int {
	var owners []int
	for i, t := range texts {
		for range stripWS(t) {
			owners = append(owners, i)
		}
	}
	return owners
}

// consumeSpan advances pos past text's characters in owners, returning the
// first and last owner index text's characters fell in.
func consumeSpan(owners []int, pos *int, text string) (first, last int, ok bool) {
	n := len([]rune(stripWS(text)))
	if n == 0 || *pos+n > len(owners) {
		return 0, 0, false
	}
	first = owners[*pos]
	last = owners[*pos+n-1]
	*pos += n
	return first, last, true
}

func alignSentencesToWords(sentences []string, words []subtitle.Word) []sentenceSpan {
	wordTexts := make([]string, len(words))
	for i, w := range words {
		wordTexts[i] = w.Text
	}
	owners := ownerStream(wordTexts)

	spans := make([]sentenceSpan, len(sentences))
	pos := 0
	for i, s := range sentences {
		first, last, ok := consumeSpan(owners, &pos, s)
		if !ok || first > last {
			spans[i] = sentenceSpan{OK: false}
			continue
		}
		spans[i] = sentenceSpan{
			Words:   words[first : last+1],
			StartMS: words[first].StartMS,
			EndMS:   words[last].EndMS,
			OK:      true,
		}
	}
	return spans
}

// alignTokensToWords implements §4.7(c): accumulate token characters until
// they equal the accumulated word text, whitespace-insensitive, then assign
// the token's start/end from the covered words' span.
func alignTokensToWords(tokens []subtitle.Token, words []subtitle.Word) []subtitle.Token {
	if len(words) == 0 {
		return tokens
	}
	wordTexts := make([]string, len(words))
	for i, w := range words {
		wordTexts[i] = w.Text
	}
	owners := ownerStream(wordTexts)

	out := make([]subtitle.Token, len(tokens))
	copy(out, tokens)
	pos := 0
	for i := range out {
		first, last, ok := consumeSpan(owners, &pos, out[i].Text)
		if !ok {
			continue
		}
		startMS := words[first].StartMS
		endMS := words[last].EndMS
		out[i].StartMS = &startMS
		out[i].EndMS = &endMS
	}
	return out
}
