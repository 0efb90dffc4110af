package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stagewhisper/stagewhisper/pkg/core/live"
	"github.com/stagewhisper/stagewhisper/pkg/core/types"
)

// httpTranscriber posts committed segments to a speech-to-text endpoint as
// WAV and returns the transcript from its JSON response.
type httpTranscriber struct {
	url    string
	apiKey string
	audio  live.AudioConfig
	client *http.Client
}

func newHTTPTranscriber(url, apiKey string, audio live.AudioConfig) *httpTranscriber {
	return &httpTranscriber{
		url:    url,
		apiKey: apiKey,
		audio:  audio,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Transcribe implements live.Transcriber.
func (t *httpTranscriber) Transcribe(ctx context.Context, seg types.AudioSegment) (string, error) {
	body := wavEncode(seg.PCM, t.audio)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("transcription endpoint returned %s: %s", resp.Status, snippet)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return out.Text, nil
}

// wavEncode wraps raw PCM in a minimal WAV container.
func wavEncode(pcm []byte, audio live.AudioConfig) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(pcm))
	byteRate := uint32(audio.BytesPerSecond())
	blockAlign := uint16(audio.Channels * audio.BitsPerSample / 8)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(audio.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(audio.SampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(audio.BitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}
