// tengen-analysis serves live analysis over websockets: clients connect
// to /ws, positions are posted to /position, and every analysis
// interval all clients receive a JSON snapshot of the candidate moves.
// Prometheus metrics are exposed on /metrics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/bot"
	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
	"github.com/tengen-engine/tengen/pkg/search"
)

type moveInfoDTO struct {
	Move       string   `json:"move"`
	Visits     int64    `json:"visits"`
	Winrate    float64  `json:"winrate"`
	ScoreMean  float64  `json:"score_mean"`
	ScoreStdev float64  `json:"score_stdev"`
	Prior      float64  `json:"prior"`
	Order      int      `json:"order"`
	PV         []string `json:"pv"`
}

type snapshotPayload struct {
	Event       string        `json:"event"`
	MoveInfos   []moveInfoDTO `json:"move_infos"`
	RootVisits  int64         `json:"root_visits"`
	NextPla     string        `json:"next_pla"`
	UpdatedAtMs int64         `json:"updated_at_ms"`
}

type positionRequest struct {
	Moves []string `json:"moves"`
	Komi  float32  `json:"komi"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans analysis snapshots out to every connected websocket client.
type hub struct {
	mu        sync.Mutex
	clients   map[*client]struct{}
	broadcast chan snapshotPayload
	log       zerolog.Logger
}

func newHub(log zerolog.Logger) *hub {
	return &hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan snapshotPayload, 64),
		log:       log,
	}
}

func (h *hub) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case payload := <-h.broadcast:
			data, err := json.Marshal(payload)
			if err != nil {
				h.log.Error().Err(err).Msg("marshal snapshot")
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow client: drop it rather than block analysis.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type server struct {
	bot       *bot.AsyncBot
	hub       *hub
	boardSize int
	interval  time.Duration
	log       zerolog.Logger

	mu sync.Mutex // serializes position changes
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}
	s.hub.add(c)
	go func() {
		defer conn.Close()
		for data := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.hub.remove(c)
				return
			}
		}
	}()
	// Reader loop only to detect close.
	go func() {
		defer s.hub.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Komi == 0 {
		req.Komi = 7.5
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	board, err := game.NewBoard(s.boardSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rules, err := game.NewRules(req.Komi)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hist := game.NewBoardHistory(game.Black, rules)
	pla := game.Black
	for _, ms := range req.Moves {
		loc, err := game.ParseLoc(ms, s.boardSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !board.IsLegal(loc, pla) {
			http.Error(w, fmt.Sprintf("illegal move %s", ms), http.StatusBadRequest)
			return
		}
		if err := hist.MakeMove(board, loc, pla); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		pla = game.Opponent(pla)
	}

	if err := s.bot.SetPosition(hist.NextPla, board, hist); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.startAnalysis(hist.NextPla)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) startAnalysis(pla game.Player) {
	nextPla := pla.String()
	err := s.bot.Analyze(pla, 1, s.interval, func(data []search.AnalysisData) {
		infos := make([]moveInfoDTO, 0, len(data))
		for _, a := range data {
			pv := make([]string, len(a.PV))
			for i, l := range a.PV {
				pv[i] = l.String(s.boardSize)
			}
			infos = append(infos, moveInfoDTO{
				Move:       a.MoveLoc.String(s.boardSize),
				Visits:     a.Visits,
				Winrate:    a.WinValue,
				ScoreMean:  a.ScoreMean,
				ScoreStdev: a.ScoreStdev,
				Prior:      a.Prior,
				Order:      a.Order,
				PV:         pv,
			})
		}
		s.hub.broadcast <- snapshotPayload{
			Event:       "analysis",
			MoveInfos:   infos,
			RootVisits:  s.bot.Search().NumRootVisits(),
			NextPla:     nextPla,
			UpdatedAtMs: time.Now().UnixMilli(),
		}
	})
	if err != nil {
		s.log.Error().Err(err).Msg("start analysis")
	}
}

func main() {
	var (
		addr      = flag.String("addr", ":8585", "listen address")
		modelPath = flag.String("model", "", "path to the ONNX model file")
		ortLib    = flag.String("ort-lib", "", "path to the onnxruntime shared library")
		boardSize = flag.Int("boardsize", 19, "board size")
		threads   = flag.Int("threads", 8, "search threads")
		batchSize = flag.Int("batch", 16, "max NN batch size")
		interval  = flag.Duration("interval", 500*time.Millisecond, "analysis snapshot interval")
	)
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *modelPath == "" {
		logger.Fatal().Msg("-model is required")
	}

	backend, err := nn.NewONNXBackend(nn.ONNXBackendConfig{
		ModelPath:    *modelPath,
		LibraryPath:  *ortLib,
		BoardSize:    *boardSize,
		MaxBatchSize: *batchSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("onnx backend")
	}
	eval := nn.NewCachedEvaluator(
		nn.NewBatchingEvaluator(backend, nn.BatchingEvaluatorConfig{
			MaxBatchSize: *batchSize,
			BatchTimeout: time.Millisecond,
			Logger:       logger,
		}),
		1<<18,
	)
	defer eval.Close()

	params := search.DefaultSearchParams()
	params.NumThreads = *threads
	b := bot.NewAsyncBot(params, eval, fmt.Sprintf("analysis-%d", time.Now().UnixNano()), logger)
	defer b.Close()

	srv := &server{
		bot:       b,
		hub:       newHub(logger),
		boardSize: *boardSize,
		interval:  *interval,
		log:       logger,
	}
	done := make(chan struct{})
	defer close(done)
	go srv.hub.run(done)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/position", srv.handlePosition)
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info().Str("addr", *addr).Msg("tengen-analysis listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("http server")
	}
}
