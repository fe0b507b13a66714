package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/joescharf/tracecast/internal/trace"
)

// OpenAI implements Synthesizer and Transcriber against the OpenAI audio API.
type OpenAI struct {
	APIKey string
	// BaseURL overrides the API root, mainly for tests.
	BaseURL  string
	TTSModel string
	STTModel string
}

// NewOpenAI creates a client with default models.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{
		APIKey:   apiKey,
		TTSModel: string(openai.SpeechModelTTS1),
		STTModel: string(openai.AudioModelWhisper1),
	}
}

// client builds the SDK client. Retries are left to Pregenerate.
func (c *OpenAI) client() openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(c.APIKey),
		option.WithMaxRetries(0),
	}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	return openai.NewClient(opts...)
}

// Synthesize returns MP3 audio for text.
func (c *OpenAI) Synthesize(ctx context.Context, text string, voice Voice, speed float64) ([]byte, error) {
	client := c.client()
	resp, err := client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.TTSModel),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		Speed:          openai.Float(ClampSpeed(speed)),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech audio: %w", err)
	}
	return data, nil
}

type transcriptionWords struct {
	Words []trace.WordTiming `json:"words"`
}

// Transcribe returns word-level timings for MP3 audio.
func (c *OpenAI) Transcribe(ctx context.Context, audio []byte) ([]trace.WordTiming, error) {
	client := c.client()
	tr, err := client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:                   openai.File(bytes.NewReader(audio), "narration.mp3", "audio/mpeg"),
		Model:                  openai.AudioModel(c.STTModel),
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word"},
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	// Word timings only exist in the verbose payload.
	var words transcriptionWords
	if err := json.Unmarshal([]byte(tr.RawJSON()), &words); err != nil {
		return nil, fmt.Errorf("parse transcription: %w", err)
	}
	return words.Words, nil
}
