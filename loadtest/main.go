package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type ConversationResponse struct {
	ID int64 `json:"id"`
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type echo struct {
	TempID string `json:"tempId"`
}

// stats collects send-to-echo latencies across all senders.
type stats struct {
	mu        sync.Mutex
	latencies []time.Duration
	sent      int
	failed    int
}

func (s *stats) record(sent, failed int, latencies []time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += sent
	s.failed += failed
	s.latencies = append(s.latencies, latencies...)
}

var (
	baseURL string
	wsURL   string
	logger  *zap.Logger
)

func main() {
	var pairs, msgCount int
	flagSet := pflag.NewFlagSet("loadtest", pflag.ContinueOnError)
	flagSet.StringVar(&baseURL, "base-url", "http://localhost:8080", "HTTP base URL")
	flagSet.StringVar(&wsURL, "ws-url", "ws://localhost:8080/ws", "WebSocket URL")
	flagSet.IntVar(&pairs, "pairs", 50, "number of buyer/seller pairs")
	flagSet.IntVar(&msgCount, "messages", 20, "messages per user")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	logger, _ = zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("starting load test", zap.Int("users", pairs*2), zap.Int("messages_per_user", msgCount))
	start := time.Now()
	st := &stats{}
	var wg sync.WaitGroup

	// Pairs: user 0 talks to user 1, user 2 talks to user 3...
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, msgCount, st)
		}(i)
	}
	wg.Wait()

	report(st, time.Since(start))
}

func runPair(pairID, msgCount int, st *stats) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, errA := authenticate(userA, pass)
	b, errB := authenticate(userB, pass)
	if errA != nil || errB != nil {
		logger.Warn("auth failed", zap.Int("pair", pairID), zap.NamedError("a", errA), zap.NamedError("b", errB))
		return
	}

	convID, err := createConversation(a.Token, b.ID)
	if err != nil {
		logger.Warn("create conversation failed", zap.Int("pair", pairID), zap.Error(err))
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chat(&wsWg, a, convID, msgCount, st)
	go chat(&wsWg, b, convID, msgCount, st)
	wsWg.Wait()
}

// authenticate registers (ignoring an existing account) and logs in.
func authenticate(username, password string) (*AuthResponse, error) {
	if resp, err := postJSON("/register", "", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createConversation(token string, targetID int64) (int64, error) {
	resp, err := postJSON("/api/conversations", token, map[string]int64{"target_id": targetID})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data ConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, err
	}
	return data.ID, nil
}

// chat sends msgCount messages and waits for each one's tempId to come
// back as new_message or message_error.
func chat(wg *sync.WaitGroup, u *AuthResponse, convID int64, msgCount int, st *stats) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", wsURL, u.Token), nil)
	if err != nil {
		logger.Warn("ws connect failed", zap.String("user", u.Username), zap.Error(err))
		return
	}
	defer conn.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time)
		lat     []time.Duration
		failed  int
		done    = make(chan struct{})
	)

	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		for settled := 0; settled < msgCount; {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				logger.Warn("read failed", zap.String("user", u.Username), zap.Error(err))
				return
			}
			if f.Event != "new_message" && f.Event != "message_error" {
				continue
			}
			var e echo
			if json.Unmarshal(f.Data, &e) != nil || e.TempID == "" {
				continue
			}
			mu.Lock()
			sentAt, ok := pending[e.TempID]
			delete(pending, e.TempID)
			mu.Unlock()
			if !ok {
				continue
			}
			settled++
			if f.Event == "message_error" {
				failed++
				continue
			}
			lat = append(lat, time.Since(sentAt))
		}
	}()

	for i := 0; i < msgCount; i++ {
		tempID := fmt.Sprintf("%s-%d", u.Username, i)
		mu.Lock()
		pending[tempID] = time.Now()
		mu.Unlock()

		err := conn.WriteJSON(map[string]any{
			"event": "send_message",
			"data": map[string]any{
				"conversationId": convID,
				"content":        fmt.Sprintf("LoadTest Msg %d from %s", i, u.Username),
				"tempId":         tempID,
			},
		})
		if err != nil {
			logger.Warn("send failed", zap.String("user", u.Username), zap.Error(err))
			break
		}
		// Simulate a real network instead of flooding localhost.
		time.Sleep(10 * time.Millisecond)
	}

	<-done
	st.record(msgCount, failed, lat)
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	req, err := http.NewRequest(http.MethodPost, baseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func report(st *stats, elapsed time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sort.Slice(st.latencies, func(i, j int) bool { return st.latencies[i] < st.latencies[j] })
	pct := func(p float64) time.Duration {
		if len(st.latencies) == 0 {
			return 0
		}
		return st.latencies[int(float64(len(st.latencies)-1)*p)]
	}

	logger.Info("load test complete",
		zap.Duration("elapsed", elapsed),
		zap.Int("sent", st.sent),
		zap.Int("reconciled", len(st.latencies)),
		zap.Int("rejected", st.failed),
		zap.Int("lost", st.sent-len(st.latencies)-st.failed),
		zap.Duration("p50", pct(0.50)),
		zap.Duration("p95", pct(0.95)),
		zap.Duration("p99", pct(0.99)),
	)
}
