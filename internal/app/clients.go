package app

import (
	"fmt"

	asrgcp "github.com/clipcaption/pipeline/internal/clients/gcp"
	"github.com/clipcaption/pipeline/internal/clients/openai"
	"github.com/clipcaption/pipeline/internal/platform/gcp"
	"github.com/clipcaption/pipeline/internal/platform/logger"
	"github.com/clipcaption/pipeline/internal/platform/mediatools"
	"github.com/clipcaption/pipeline/internal/platform/stepcache"
)

// Clients groups the pipeline's external gateways: the Blob Store, the ASR
// engine, the LLM client, the ffmpeg wrapper, and the Step Cache.
type Clients struct {
	Blobs gcp.BlobStore
	ASR   asrgcp.ASREngine
	LLM   openai.Client
	Tools mediatools.Tools
	Cache stepcache.Cache
}

func wireClients(log *logger.Logger) (Clients, error) {
	blobs, err := gcp.NewBucketService(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init blob store: %w", err)
	}
	asr, err := asrgcp.NewASREngine(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init asr engine: %w", err)
	}
	llm, err := openai.NewClient(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init llm client: %w", err)
	}
	cache, err := stepcache.New(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init step cache: %w", err)
	}
	tools := mediatools.New(log)

	return Clients{
		Blobs: blobs,
		ASR:   asr,
		LLM:   llm,
		Tools: tools,
		Cache: cache,
	}, nil
}
