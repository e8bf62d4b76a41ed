package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/bot"
	"github.com/tengen-engine/tengen/pkg/nn"
	"github.com/tengen-engine/tengen/pkg/search"
)

const version = "0.1.0"

func main() {
	var (
		modelPath = flag.String("model", "", "path to the ONNX model file")
		ortLib    = flag.String("ort-lib", "", "path to the onnxruntime shared library")
		boardSize = flag.Int("boardsize", 19, "initial board size")
		komi      = flag.Float64("komi", 7.5, "initial komi")
		threads   = flag.Int("threads", 8, "search threads")
		visits    = flag.Int64("visits", 1600, "max visits per move")
		batchSize = flag.Int("batch", 16, "max NN batch size")
		cacheSize = flag.Int("nncache", 1<<18, "NN cache entries")
		logFile   = flag.String("log", "", "log file (default stderr)")
		debug     = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	logOut := os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open log:", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(logOut).Level(level).With().Timestamp().Logger()

	if *modelPath == "" {
		fmt.Fprintln(os.Stderr, "tengen: -model is required")
		os.Exit(1)
	}

	buildBot := func(size int) (*bot.AsyncBot, nn.Evaluator, error) {
		backend, err := nn.NewONNXBackend(nn.ONNXBackendConfig{
			ModelPath:    *modelPath,
			LibraryPath:  *ortLib,
			BoardSize:    size,
			MaxBatchSize: *batchSize,
		})
		if err != nil {
			return nil, nil, err
		}
		eval := nn.NewCachedEvaluator(
			nn.NewBatchingEvaluator(backend, nn.BatchingEvaluatorConfig{
				MaxBatchSize: *batchSize,
				BatchTimeout: time.Millisecond,
				Logger:       logger,
			}),
			*cacheSize,
		)
		params := search.DefaultSearchParams()
		params.NumThreads = *threads
		params.MaxVisits = *visits
		return bot.NewAsyncBot(params, eval, fmt.Sprintf("tengen-%d", time.Now().UnixNano()), logger), eval, nil
	}

	b, eval, err := buildBot(*boardSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("evaluator setup failed")
	}
	defer eval.Close()

	var currentEval nn.Evaluator = eval
	proto := newGTPProtocol(b, *boardSize, float32(*komi), os.Stdout, logger, func(size int) (*bot.AsyncBot, error) {
		nb, ne, err := buildBot(size)
		if err != nil {
			return nil, err
		}
		currentEval.Close()
		currentEval = ne
		return nb, nil
	})
	if err := proto.clearBoard(); err != nil {
		logger.Fatal().Err(err).Msg("initial position setup failed")
	}

	logger.Info().Int("boardsize", *boardSize).Int("threads", *threads).Msg("tengen ready")
	if err := proto.Run(os.Stdin); err != nil {
		logger.Fatal().Err(err).Msg("gtp loop failed")
	}
	b.Close()
}
