package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/clipcaption/pipeline/internal/domain/subtitle"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

// ASREngine transcribes an audio file into word-level-timed segments. The
// transcribe stage is the sole caller; everything downstream (enrich) works
// off the returned segments, never touching the provider directly.
type ASREngine interface {
	Transcribe(ctx context.Context, audioBytes []byte, mimeType, languageCode string) ([]subtitle.Segment, error)
	Close() error
}

type speechConfig struct {
	languageCode string
	encoding     speechpb.RecognitionConfig_AudioEncoding
}

type speechEngine struct {
	log        *logger.Logger
	client     *speech.Client
	maxRetries int
}

func NewASREngine(log *logger.Logger) (ASREngine, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.ASREngine")

	ctx := context.Background()
	opts := ClientOptionsFromEnv()

	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}

	return &speechEngine{
		log:        slog,
		client:     c,
		maxRetries: 4,
	}, nil
}

func (s *speechEngine) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Transcribe runs a synchronous long-running recognize against in-memory
// audio bytes and returns word-level-timed segments in millisecond units, the
// wire contract used everywhere downstream of the ASR boundary.
func (s *speechEngine) Transcribe(ctx context.Context, audioBytes []byte, mimeType, languageCode string) ([]subtitle.Segment, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	if len(audioBytes) == 0 {
		return nil, apierr.Input("empty_audio", fmt.Errorf("audio input is empty"))
	}

	cfg := speechConfig{languageCode: languageCode}
	if cfg.languageCode == "" {
		cfg.languageCode = "ja-JP"
	}
	cfg.encoding = inferEncoding(mimeType)

	rcfg := &speechpb.RecognitionConfig{
		LanguageCode:               cfg.languageCode,
		Encoding:                   cfg.encoding,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	req := &speechpb.LongRunningRecognizeRequest{
		Config: rcfg,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audioBytes}},
	}

	resp, err := s.retryLR(ctx, func() (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := s.client.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	})
	if err != nil {
		return nil, classifyASRError(err)
	}

	return parseRecognizeResponse(resp), nil
}

func inferEncoding(mimeType string) speechpb.RecognitionConfig_AudioEncoding {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.Contains(m, "wav"):
		return speechpb.RecognitionConfig_LINEAR16
	case strings.Contains(m, "flac"):
		return speechpb.RecognitionConfig_FLAC
	case strings.Contains(m, "mp3") || strings.Contains(m, "mpeg"):
		return speechpb.RecognitionConfig_MP3
	case strings.Contains(m, "ogg") || strings.Contains(m, "opus"):
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

// parseRecognizeResponse groups the flat word list returned by the provider
// into utterance-level segments, splitting on silence gaps > 1.2s. Word
// timestamps are carried through in full on each segment.
func parseRecognizeResponse(resp *speechpb.LongRunningRecognizeResponse) []subtitle.Segment {
	if resp == nil || len(resp.Results) == 0 {
		return nil
	}

	type rawWord struct {
		text    string
		startMS int
		endMS   int
	}
	var words []rawWord
	for _, r := range resp.Results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		alt := r.Alternatives[0]
		for _, w := range alt.Words {
			if w == nil {
				continue
			}
			words = append(words, rawWord{
				text:    w.Word,
				startMS: durToMS(w.StartTime),
				endMS:   durToMS(w.EndTime),
			})
		}
		if len(alt.Words) == 0 && strings.TrimSpace(alt.Transcript) != "" {
			words = append(words, rawWord{text: strings.TrimSpace(alt.Transcript)})
		}
	}
	if len(words) == 0 {
		return nil
	}

	const gapMS = 1200
	var segments []subtitle.Segment
	var cur subtitle.Segment
	var buf strings.Builder

	flush := func() {
		txt := strings.TrimSpace(buf.String())
		if txt == "" {
			return
		}
		cur.Text = txt
		segments = append(segments, cur)
		buf.Reset()
		cur = subtitle.Segment{}
	}

	for i, w := range words {
		if i == 0 {
			cur.StartMS = w.startMS
		} else if w.startMS-cur.EndMS > gapMS {
			flush()
			cur.StartMS = w.startMS
		}
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(w.text)
		cur.EndMS = w.endMS
		cur.Words = append(cur.Words, subtitle.Word{StartMS: w.startMS, EndMS: w.endMS, Text: w.text})
	}
	flush()

	return segments
}

func durToMS(d *durationpb.Duration) int {
	if d == nil {
		return 0
	}
	return int(d.Seconds*1000 + int64(d.Nanos)/1_000_000)
}

func (s *speechEngine) retryLR(ctx context.Context, fn func() (*speechpb.LongRunningRecognizeResponse, error)) (*speechpb.LongRunningRecognizeResponse, error) {
	backoff := 750 * time.Millisecond
	var last error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		if attempt == s.maxRetries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}

func classifyASRError(err error) error {
	code := status.Code(err)
	switch code {
	case codes.InvalidArgument, codes.NotFound:
		return apierr.Input("asr_invalid_input", err)
	case codes.DeadlineExceeded:
		return apierr.Timeout("asr_timeout", err)
	default:
		return apierr.Upstream("asr_upstream_error", err)
	}
}
