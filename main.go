package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mehadishakil/IELTSpeak-sub001/audio"
	"github.com/mehadishakil/IELTSpeak-sub001/backend"
	"github.com/mehadishakil/IELTSpeak-sub001/config"
	"github.com/mehadishakil/IELTSpeak-sub001/exam"
	"github.com/mehadishakil/IELTSpeak-sub001/log"
	"github.com/mehadishakil/IELTSpeak-sub001/metrics"
	"github.com/mehadishakil/IELTSpeak-sub001/speech"
	"github.com/mehadishakil/IELTSpeak-sub001/store"
	"github.com/mehadishakil/IELTSpeak-sub001/upload"
)

var version = "dev"

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var shutdownOnce sync.Once

func gracefulShutdown(cancel context.CancelFunc) {
	shutdownOnce.Do(func() {
		cancel()
		log.Close()
		tuiMu.Lock()
		if tuiProgram != nil {
			tuiProgram.Quit()
		}
		tuiMu.Unlock()
	})
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ieltspeak.db"
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "ieltspeak", "turns.db")
}

func run() int {
	configFlag := flag.String("config", "", "Path to YAML config file (defaults used when empty)")
	questionsFlag := flag.String("questions", "questions.yaml", "Path to the question manifest")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	dbFlag := flag.String("db", defaultStorePath(), "Path to the local turn database")
	fakeFlag := flag.Bool("fake", false, "Run against in-memory audio/speech/backend fakes")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	metricsFlag := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9105)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("ieltspeak %s\n", version)
		return 0
	}

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	logDir := cfg.Logging.Dir
	if *logPathFlag != "" || logDir == "" {
		resolved, err := log.ResolveDir(*logPathFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
			return 1
		}
		logDir = resolved
	}
	log.SetDir(logDir)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	met := metrics.New(nil)
	if *metricsFlag != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsFlag, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	questions, templateID, err := exam.LoadQuestions(*questionsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if templateID == "" {
		templateID = cfg.Backend.TemplateID
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Collaborators: live devices and services, or fakes for an
	// offline dry run.
	var (
		player   audio.Player
		recorder audio.Recorder
		recog    speech.Engine
		svc      backend.Service
	)
	if *fakeFlag {
		player = &audio.FakePlayer{PlayDelay: 2 * time.Second}
		recorder = &audio.FakeRecorder{Recorded: []byte("fake-pcm")}
		recog = speech.NewFakeEngine()
		svc = backend.NewFake()
	} else {
		engine, err := audio.NewEngine(audio.Config{
			SampleRate: uint32(cfg.Audio.SampleRate),
			Channels:   uint32(cfg.Audio.Channels),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
			return 1
		}
		defer engine.Close()
		player = engine.NewPlayer()
		recorder = engine.NewRecorder()

		speechKey := os.Getenv("DEEPGRAM_API_KEY")
		if speechKey == "" {
			fmt.Fprintln(os.Stderr, "Error: DEEPGRAM_API_KEY not set")
			return 1
		}
		recog = speech.NewRecognizer(speechKey)

		apiKey := cfg.Backend.APIKey
		if env := os.Getenv("IELTSPEAK_API_KEY"); env != "" {
			apiKey = env
		}
		svc = backend.NewClient(cfg.Backend.Endpoint, apiKey,
			time.Duration(cfg.Backend.Timeout)*time.Second, int(cfg.Upload.MaxPayloadMB))
	}

	var turnStore *store.SQLiteStore
	if *dbFlag != "" {
		if err := os.MkdirAll(filepath.Dir(*dbFlag), 0755); err == nil {
			turnStore, err = store.Open(*dbFlag)
			if err != nil {
				log.Warnf("local turn store unavailable: %v", err)
			}
		}
	}
	if turnStore != nil {
		defer turnStore.Close()
	}

	pipe := upload.NewPipeline(svc, cfg.Upload, met)
	detector := speech.NewDetector(recog)
	mgr := exam.New(exam.Deps{
		Config:      cfg.Exam,
		Service:     svc,
		Pipeline:    pipe,
		Coordinator: exam.NewCoordinator(player, recorder, detector),
		Recorder:    recorder,
		Recognizer:  recog,
		Questions:   questions,
		TemplateID:  templateID,
		Store:       turnStore,
		Metrics:     met,
	})
	mgr.Subscribe(exam.ObserverFunc(func(s exam.Snapshot) {
		tuiSend(SnapshotMsg{Snap: s})
	}))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		gracefulShutdown(cancel)
	}()

	mgr.Start(ctx)

	if *tuiFlag {
		tuiMu.Lock()
		tuiProgram = NewTUIProgram()
		tuiMu.Unlock()

		if _, err := tuiProgram.Run(); err != nil {
			log.Errorf("TUI error: %v", err)
			return 1
		}
		gracefulShutdown(cancel)
		return 0
	}

	// Headless: wait for the exam outcome and print the local log.
	select {
	case <-mgr.Done():
	case <-ctx.Done():
	}
	for _, r := range mgr.Records() {
		fmt.Printf("part %d q%d: %s\n", r.Part, r.Order, r.Transcript)
	}
	return 0
}

func main() {
	os.Exit(run())
}
