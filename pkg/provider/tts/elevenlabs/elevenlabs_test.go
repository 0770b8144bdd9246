package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/seesay/pkg/provider/tts"
)

// fakeServer speaks the stream-input protocol: it reports the received text
// messages on got, then answers with chunks and a final marker.
func fakeServer(t *testing.T, chunks [][]byte, got chan<- []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice-1/stream-input") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("output_format") != "pcm_22050" {
			t.Errorf("output_format = %q", r.URL.Query().Get("output_format"))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		var texts []string
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			texts = append(texts, m.Text)
			if m.Text == "" {
				break
			}
		}
		got <- texts
		for _, c := range chunks {
			msg, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(c)})
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
		final, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = conn.Write(ctx, websocket.MessageText, final)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func TestSynthesize_CollectsStream(t *testing.T) {
	t.Parallel()

	gotTexts := make(chan []string, 1)
	srv := fakeServer(t, [][]byte{{1, 0}, {2, 0, 3, 0}}, gotTexts)
	defer srv.Close()

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("key", WithOutputFormat("pcm_22050"), WithBaseURLs(wsBase, srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	clip, err := p.Synthesize(context.Background(), "I'm ready!", tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(clip.PCM) != string([]byte{1, 0, 2, 0, 3, 0}) {
		t.Errorf("PCM = %v", clip.PCM)
	}
	if clip.SampleRate != 22050 || clip.Channels != 1 {
		t.Errorf("format = %s, want 22050Hz mono", clip.Format)
	}
	texts := <-gotTexts
	want := []string{" ", "I'm ready! ", ""}
	if strings.Join(texts, "|") != strings.Join(want, "|") {
		t.Errorf("texts = %q, want %q", texts, want)
	}
}

func TestSynthesize_Validation(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
	if _, err := p.Synthesize(context.Background(), " ", tts.VoiceProfile{ID: "v"}); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestBuildURLForVoice(t *testing.T) {
	t.Parallel()

	got := buildURLForVoice(defaultWSBase, "abc", "eleven_flash_v2_5", "pcm_16000")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/abc/stream-input?model_id=eleven_flash_v2_5&output_format=pcm_16000"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Rachel","category":"premade","labels":{"accent":"american"}},{"voice_id":"v2","name":"Plain"}]}`))
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURLs("ws://unused", srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Metadata["category"] != "premade" || voices[0].Metadata["accent"] != "american" {
		t.Errorf("metadata = %v", voices[0].Metadata)
	}
	if voices[1].Provider != "elevenlabs" || len(voices[1].Metadata) != 0 {
		t.Errorf("voices[1] = %+v", voices[1])
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		key      string
		opts     []Option
		wantErr  bool
		wantRate int
	}{
		{name: "empty key", key: "", wantErr: true},
		{name: "defaults", key: "k", wantRate: 16000},
		{name: "custom format", key: "k", opts: []Option{WithOutputFormat("pcm_44100")}, wantRate: 44100},
		{name: "mp3 rejected", key: "k", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "bad rate", key: "k", opts: []Option{WithOutputFormat("pcm_x")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.key, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.sampleRate != tt.wantRate {
				t.Errorf("sampleRate = %d, want %d", p.sampleRate, tt.wantRate)
			}
		})
	}
}
