package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipcaption/pipeline/internal/clients/openai"
	"github.com/clipcaption/pipeline/internal/http/response"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
)

const dictionarySystemPrompt = `You are a dictionary assistant for language learners reading subtitles.
Given a token and the sentence it appeared in, return a short, plain-text
explanation: the token's dictionary form, its reading if applicable, part of
speech, and a concise gloss in context. No markdown, no preamble.`

// DictionaryHandler implements POST /api/v1/subtitle/dictionary/query (§6):
// a stateless one-shot LLM lookup for a single token, with no Task Store
// interaction.
type DictionaryHandler struct {
	llm openai.Client
}

func NewDictionaryHandler(llm openai.Client) *DictionaryHandler {
	return &DictionaryHandler{llm: llm}
}

type dictionaryQueryRequest struct {
	Token   string `json:"token" binding:"required"`
	Context string `json:"context"`
}

func (h *DictionaryHandler) Query(c *gin.Context) {
	var req dictionaryQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondErr(c, apierr.Input("invalid_request", err))
		return
	}

	user := "Token: " + req.Token
	if req.Context != "" {
		user += "\nSentence: " + req.Context
	}

	text, err := h.llm.GenerateText(c.Request.Context(), dictionarySystemPrompt, user)
	if err != nil {
		response.RespondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": req.Token, "definition": text})
}
