package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/mehadishakil/IELTSpeak-sub001/encoder"
	"github.com/mehadishakil/IELTSpeak-sub001/log"
)

const (
	chunkMs      = 200
	chunkBytes   = encoder.SampleRate * encoder.Channels * (encoder.BitsPerSample / 8) * chunkMs / 1000
	finalizeIdle = 200 * time.Millisecond
	finalizeMax  = 1000 * time.Millisecond
)

// Recognizer is the live speech-to-text engine. Each exam turn opens
// its own websocket session against the recognition service.
type Recognizer struct {
	apiKey   string
	model    string
	language string
	client   *http.Client
}

func NewRecognizer(apiKey string) *Recognizer {
	return &Recognizer{
		apiKey:   apiKey,
		model:    "nova-3",
		language: "en",
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

// Authorize verifies the API key before the exam starts so a bad key
// fails fast instead of on the first turn.
func (r *Recognizer) Authorize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://api.deepgram.com/v1/auth/token", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+r.apiKey)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("recognition service unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("recognition API key rejected (HTTP %d)", resp.StatusCode)
	}
	return nil
}

func (r *Recognizer) NewSession(ctx context.Context) (Session, error) {
	s := newWSSession()
	go s.connect(ctx, r)
	return s, nil
}

type listenResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// wsSession streams PCM16 chunks over a websocket and accumulates the
// finalized transcript segments the server commits.
type wsSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	audioCh   chan []byte
	partials  chan string
	connected chan struct{}
	sendDone  chan struct{}
	recvDone  chan struct{}
	finalized chan struct{}
	finalOnce sync.Once

	feedMu   sync.Mutex
	feedBuf  []byte
	feedDone bool

	mu        sync.Mutex
	committed string
	err       error
	closing   bool
	sentBytes uint64
}

func newWSSession() *wsSession {
	return &wsSession{
		audioCh:   make(chan []byte, 128),
		partials:  make(chan string, 16),
		connected: make(chan struct{}),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		finalized: make(chan struct{}),
	}
}

func (s *wsSession) connect(ctx context.Context, r *Recognizer) {
	endpoint, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	q := endpoint.Query()
	q.Set("model", r.model)
	q.Set("language", r.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", encoder.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", encoder.Channels))
	q.Set("interim_results", "true")
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	wsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, _, err := websocket.Dial(wsCtx, endpoint.String(), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		cancel()
		s.setErr(err)
		close(s.sendDone)
		close(s.recvDone)
		close(s.connected)
		return
	}
	conn.SetReadLimit(1 << 20)

	s.conn = conn
	s.ctx = wsCtx
	s.cancel = cancel
	close(s.connected)
	go s.runSender()
	go s.runReceiver()
}

func (s *wsSession) Feed(pcm []byte) {
	s.mu.Lock()
	if s.err != nil || s.closing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedDone {
		return
	}
	s.feedBuf = append(s.feedBuf, pcm...)
	for len(s.feedBuf) >= chunkBytes {
		chunk := make([]byte, chunkBytes)
		copy(chunk, s.feedBuf[:chunkBytes])
		s.feedBuf = s.feedBuf[chunkBytes:]
		select {
		case s.audioCh <- chunk:
		default:
			// Sender has stalled; dropping beats blocking the capture
			// callback.
		}
	}
}

func (s *wsSession) Partials() <-chan string { return s.partials }

func (s *wsSession) Close() (string, error) {
	s.mu.Lock()
	if s.closing {
		text := s.committed
		err := s.err
		s.mu.Unlock()
		return text, err
	}
	s.closing = true
	s.mu.Unlock()

	<-s.connected

	s.mu.Lock()
	connErr := s.err
	s.mu.Unlock()
	if connErr != nil && s.conn == nil {
		s.feedMu.Lock()
		s.feedDone = true
		s.feedBuf = nil
		close(s.audioCh)
		s.feedMu.Unlock()
		close(s.partials)
		return "", connErr
	}

	// Flush whatever PCM is still buffered below a full chunk, then
	// seal the channel so a late capture callback cannot race the close.
	s.feedMu.Lock()
	s.feedDone = true
	if len(s.feedBuf) > 0 {
		tail := make([]byte, len(s.feedBuf))
		copy(tail, s.feedBuf)
		s.feedBuf = nil
		select {
		case s.audioCh <- tail:
		default:
		}
	}
	close(s.audioCh)
	s.feedMu.Unlock()
	<-s.sendDone

	select {
	case <-s.finalized:
		time.Sleep(finalizeIdle)
	case <-time.After(finalizeMax):
	}

	s.conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-s.recvDone:
	case <-time.After(2 * time.Second):
		log.Warn("recognition receiver drain timeout")
	}
	s.cancel()
	close(s.partials)

	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.committed), s.err
}

func (s *wsSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
			s.setErr(err)
			return
		}
		s.mu.Lock()
		s.sentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		s.setErr(err)
	}
}

func (s *wsSession) runReceiver() {
	defer close(s.recvDone)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.setErr(err)
			}
			return
		}

		var resp listenResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.FromFinalize {
			s.finalOnce.Do(func() { close(s.finalized) })
		}
		if !resp.IsFinal && !resp.SpeechFinal && !resp.FromFinalize {
			continue
		}

		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		if transcript == "" {
			continue
		}

		s.mu.Lock()
		if s.committed != "" {
			s.committed += " " + transcript
		} else {
			s.committed = transcript
		}
		full := s.committed
		closing := s.closing
		s.mu.Unlock()

		if closing {
			continue
		}
		select {
		case s.partials <- full:
		default:
		}
	}
}

func (s *wsSession) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
