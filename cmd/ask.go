package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/progress"
	"github.com/ziadkadry99/partychat/internal/session"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question and stream the answer",
	Long:  `Answers a question about party positions, streaming the text to stdout followed by the cited sources. Ctrl-C cancels the answer.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringSlice("party", nil, "restrict the answer to these party IDs")
	askCmd.Flags().Bool("no-sources", false, "do not list the cited sources")
	askCmd.Flags().Bool("quiet", false, "do not show progress")
	rootCmd.AddCommand(askCmd)
}

// errCancelled is returned when the answer was cancelled before it finished.
var errCancelled = errors.New("answer cancelled")

func runAsk(cmd *cobra.Command, args []string) error {
	partyIDs, _ := cmd.Flags().GetStringSlice("party")
	noSources, _ := cmd.Flags().GetBool("no-sources")
	quiet, _ := cmd.Flags().GetBool("quiet")

	p, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer p.logger.Sync()
	defer p.Close()

	var rep progress.Reporter = progress.NewReporter(os.Stderr)
	if quiet {
		rep = nopReporter{}
	}
	stages := &stageReporter{rep: rep}

	q := domain.NewQuestion(strings.Join(args, " "), nil, partyIDs)
	sess, err := p.orch.Submit(context.Background(), q, stages.notify)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			sess.Cancel()
		case <-sess.Done():
		}
	}()

	r := &answerRenderer{out: os.Stdout, parties: p.parties, sources: !noSources, onFirst: stages.finish}
	return r.render(sess.Events())
}

// stageReporter shows lifecycle progress until the answer starts.
type stageReporter struct {
	rep progress.Reporter

	mu   sync.Mutex
	done bool
}

func (s *stageReporter) notify(t session.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	switch t.To {
	case session.StatePlanning, session.StateRetrieving, session.StateSynthesizing:
		s.rep.Stage(string(t.To), t.Reason)
	}
}

func (s *stageReporter) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		s.rep.Finish()
	}
}

type nopReporter struct{}

func (nopReporter) Stage(string, string) {}
func (nopReporter) Finish()              {}

// answerRenderer writes an answer stream as plain text with [n] citation
// marks, followed by the numbered sources.
type answerRenderer struct {
	out     io.Writer
	parties *party.Registry
	sources bool
	onFirst func()
}

func (r *answerRenderer) render(events <-chan domain.Event) error {
	var cites []domain.Citation
	first := true
	for ev := range events {
		if first {
			first = false
			if r.onFirst != nil {
				r.onFirst()
			}
		}
		switch ev.Kind {
		case domain.EventDelta:
			fmt.Fprint(r.out, ev.Text)
		case domain.EventCitation:
			if ev.Citation == nil {
				continue
			}
			cites = append(cites, *ev.Citation)
			fmt.Fprintf(r.out, "[%d]", ev.Citation.Marker)
		case domain.EventError:
			fmt.Fprintln(r.out)
			if ev.Err == nil {
				return errors.New("the answer could not be generated")
			}
			return errors.New(ev.Err.Message)
		case domain.EventCancelled:
			fmt.Fprintln(r.out)
			return errCancelled
		case domain.EventDone:
			fmt.Fprintln(r.out)
			if r.sources {
				r.printSources(cites)
			}
			return nil
		}
	}
	return errCancelled
}

func (r *answerRenderer) printSources(cites []domain.Citation) {
	if len(cites) == 0 {
		return
	}
	fmt.Fprintln(r.out, "\nSources:")
	for _, c := range cites {
		p := c.Passage
		line := fmt.Sprintf("  [%d] %s", c.Marker, r.parties.Name(p.PartyID))
		if p.Title != "" {
			line += ": " + p.Title
		}
		if p.URL != "" {
			line += " <" + p.URL + ">"
		}
		fmt.Fprintln(r.out, line)
	}
}
