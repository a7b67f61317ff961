package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quizito-client/internal/config"
	"quizito-client/internal/domain"
	"quizito-client/internal/engine"
	"quizito-client/internal/infra/memory"
	redissnap "quizito-client/internal/infra/redis"
	"quizito-client/internal/transport/ws"
)

// NewJoinCmd builds the CLI subcommand that joins a room and runs the
// session until it ends or the user interrupts.
func NewJoinCmd(configPath, serverURL *string) *cobra.Command {
	var room, name string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a quiz room and play interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if room == "" {
				return errors.New("--room is required")
			}
			if name == "" {
				return errors.New("--name is required")
			}
			return runJoin(cmd.Context(), *configPath, *serverURL, room, name)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room code to join")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func runJoin(ctx context.Context, configPath, serverURL, room, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.URL != "" {
		serverURL = cfg.Server.URL
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var store ws.SnapshotStore = memory.NewSnapshotStore()
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = redissnap.NewSnapshotStore(client, config.DurationOr(cfg.Redis.TTL, 10*time.Minute))
	}

	eng := engine.New(engine.Options{
		Logger:      log,
		GraceWindow: config.DurationOr(cfg.Timer.Grace, 0),
	})
	defer eng.Close()

	supervisor := ws.NewSupervisor(ws.Config{
		URL:         serverURL,
		Room:        room,
		DisplayName: name,
		DialTimeout: config.DurationOr(cfg.Server.DialTimeout, 0),
		CallTimeout: config.DurationOr(cfg.Server.CallTimeout, 0),
		BackoffBase: config.DurationOr(cfg.Reconnect.Base, 0),
		BackoffCap:  config.DurationOr(cfg.Reconnect.Cap, 0),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, eng, store, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	supervisorDone := make(chan error, 1)
	go func() {
		supervisorDone <- supervisor.Run(runCtx)
	}()

	views, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	go renderViews(views)
	go readSelections(runCtx, eng, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("leaving session")
		return nil
	case <-ctx.Done():
		return nil
	case err := <-supervisorDone:
		if errors.Is(err, domain.ErrConnectionLost) {
			printSummary(eng)
			return err
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func renderViews(views <-chan engine.View) {
	var lastPhase engine.Phase
	for view := range views {
		if view.Phase != lastPhase {
			lastPhase = view.Phase
			fmt.Printf("-- %s --\n", view.Phase)
		}
		switch view.Phase {
		case engine.PhaseWaiting:
			fmt.Printf("room %s: waiting for host, %d participant(s)\n", view.Session.ID, len(view.Participants))
		case engine.PhaseActive:
			fmt.Printf("question %d/%d, %.0fs left (type an option number)\n",
				view.Cursor.Index+1, view.Cursor.TotalQuestions, float64(view.RemainingMs)/1000)
			printBoard(view)
		case engine.PhaseCompleted:
			fmt.Println("quiz finished")
			printBoard(view)
		case engine.PhaseAborted:
			if view.LastError != nil {
				fmt.Printf("session aborted: %s\n", view.LastError.Message)
			} else {
				fmt.Println("session aborted")
			}
		}
	}
}

func printBoard(view engine.View) {
	for _, entry := range view.Board.Entries {
		marker := "  "
		if entry.ParticipantID == view.You {
			marker = "> "
		}
		fmt.Printf("%s#%d %-20s %d\n", marker, entry.Rank, entry.DisplayName, entry.Score)
	}
}

func readSelections(ctx context.Context, eng *engine.Engine, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		option, err := strconv.Atoi(line)
		if err != nil {
			fmt.Println("type the option number, e.g. 0")
			continue
		}
		if err := eng.SubmitAnswer(option); err != nil {
			log.Warn().Err(err).Msg("answer not accepted")
		}
	}
}

func printSummary(eng *engine.Engine) {
	records := eng.Summary()
	if len(records) == 0 {
		return
	}
	fmt.Println("your answers:")
	for _, rec := range records {
		fmt.Printf("  q%d: option %d (%s", rec.QuestionIndex+1, rec.SelectedOption, rec.Status)
		if rec.Status == domain.AnswerConfirmed {
			fmt.Printf(", +%d", rec.PointsAwarded)
		}
		fmt.Println(")")
	}
}
