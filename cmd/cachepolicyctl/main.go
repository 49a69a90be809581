// cachepolicyctl - interactive cache policy console
// A REPL for exercising a cachepolicy.Policy against a real backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fsnotify/fsnotify"

	"github.com/catboxgo/cachepolicy/backend"
	"github.com/catboxgo/cachepolicy/backend/memlru"
	"github.com/catboxgo/cachepolicy/backend/sqlite"
	"github.com/catboxgo/cachepolicy/policy"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		dbPath      = flag.String("db", "", "SQLite database path (default: in-memory LRU backend)")
		segment     = flag.String("segment", "default", "Cache segment name")
		rulesPath   = flag.String("rules", "", "Path to a JSON rule-options file, hot-reloaded on change")
		demoGen     = flag.Bool("demo-generate", false, "Install a built-in demo generateFunc (uppercases the id)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `cachepolicyctl v%s - interactive cache policy console

Usage: cachepolicyctl [options]

Options:
`, version)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cachepolicyctl                          Start with an in-memory backend
  cachepolicyctl --db ./cache.db          Use a SQLite-backed cache
  cachepolicyctl --rules ./rules.json     Load, and hot-reload, a rule file
  cachepolicyctl --demo-generate          Regenerate missing/stale values automatically

REPL commands:
  get <id>            Fetch a value (coalesced, regenerated per the active rule)
  set <id> <value>    Store a value directly
  drop <id>           Remove an entry
  stats                Print activity counters
  reload-rules         No-op; the --rules file is reloaded automatically on change
  quit                 Exit
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("cachepolicyctl v%s\n", version)
		return
	}

	be, closeBackend, err := openBackend(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeBackend()

	opts, err := loadRuleOptions(*rulesPath, *demoGen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	p, err := policy.New(be, backend.Segment(*segment), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	if *rulesPath != "" {
		go watchRules(p, *rulesPath, *demoGen)
	}

	if err := runREPL(p); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openBackend(dbPath string) (backend.Backend, func(), error) {
	if dbPath == "" {
		be, err := memlru.New(4096)
		if err != nil {
			return nil, nil, fmt.Errorf("open in-memory backend: %w", err)
		}
		return be, func() {}, nil
	}

	be, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite backend: %w", err)
	}
	return be, func() { be.Close() }, nil
}

// ruleFile is the JSON shape accepted by --rules. Only the constant,
// declaratively-expressible parts of RuleOptions can be loaded this way;
// GenerateFunc remains code (the --demo-generate flag), same as the
// teacher's config table holding only scalar values, never callbacks.
type ruleFile struct {
	ExpiresInSeconds    int    `json:"expiresInSeconds"`
	ExpiresAt           string `json:"expiresAt"`
	StaleInSeconds      int    `json:"staleInSeconds"`
	StaleTimeoutSeconds int    `json:"staleTimeoutSeconds"`
}

func loadRuleOptions(path string, demoGen bool) (policy.RuleOptions, error) {
	opts := policy.RuleOptions{ExpiresIn: time.Hour}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read rules file: %w", err)
		}
		var rf ruleFile
		if err := json.Unmarshal(raw, &rf); err != nil {
			return opts, fmt.Errorf("parse rules file: %w", err)
		}
		opts = policy.RuleOptions{}
		if rf.ExpiresInSeconds > 0 {
			opts.ExpiresIn = time.Duration(rf.ExpiresInSeconds) * time.Second
		}
		opts.ExpiresAt = rf.ExpiresAt
		if rf.StaleInSeconds > 0 {
			opts.StaleIn = time.Duration(rf.StaleInSeconds) * time.Second
		}
		if rf.StaleTimeoutSeconds > 0 {
			opts.StaleTimeout = time.Duration(rf.StaleTimeoutSeconds) * time.Second
		}
	}

	if demoGen {
		opts.GenerateFunc = demoGenerate
		gt := policy.GenerateTimeoutAfter(5 * time.Second)
		opts.GenerateTimeout = &gt
	}

	return opts, nil
}

func demoGenerate(ctx context.Context, key policy.Key) (any, time.Duration, error) {
	time.Sleep(200 * time.Millisecond)
	return strings.ToUpper(key.ID), time.Minute, nil
}

// watchRules re-compiles the rule file on every write, the direct
// generalization of core.Engine.WatchFile's fsnotify-driven reload.
func watchRules(p *policy.Policy, path string, demoGen bool) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mrule watcher: %v\033[0m\n", err)
		return
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mrule watcher: %v\033[0m\n", err)
		return
	}

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			opts, err := loadRuleOptions(path, demoGen)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\033[31mrule reload failed: %v\033[0m\n", err)
				continue
			}
			if err := p.Rules(opts); err != nil {
				fmt.Fprintf(os.Stderr, "\033[31mrule reload rejected: %v\033[0m\n", err)
				continue
			}
			fmt.Printf("\033[32m✓ rules reloaded from %s\033[0m\n", path)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "\033[31mrule watcher error: %v\033[0m\n", err)
		}
	}
}

func runREPL(p *policy.Policy) error {
	rl, err := readline.New("cachepolicy> ")
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("cachepolicyctl - type 'quit' to exit")

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		cmd := fields[0]
		args := fields[1:]

		switch cmd {
		case "quit", "exit":
			return nil

		case "get":
			if len(args) != 1 {
				fmt.Println("\033[31musage: get <id>\033[0m")
				continue
			}
			handleGet(p, args[0])

		case "set":
			if len(args) < 2 {
				fmt.Println("\033[31musage: set <id> <value>\033[0m")
				continue
			}
			handleSet(p, args[0], strings.Join(args[1:], " "))

		case "drop":
			if len(args) != 1 {
				fmt.Println("\033[31musage: drop <id>\033[0m")
				continue
			}
			handleDrop(p, args[0])

		case "stats":
			handleStats(p)

		case "reload-rules":
			fmt.Println("\033[33mrules reload only happens automatically via --rules file watching\033[0m")

		default:
			fmt.Printf("\033[31munknown command: %s\033[0m\n", cmd)
		}
	}
}

func handleGet(p *policy.Policy, id string) {
	done := make(chan struct{})
	start := time.Now()
	p.Get(context.Background(), policy.StringKey(id), func(err error, value any, item *backend.Item, report policy.Report) {
		defer close(done)
		if err != nil {
			fmt.Printf("\033[31m✗ %v\033[0m (%s)\n", err, time.Since(start))
			return
		}
		staleTag := ""
		if report.IsStale {
			staleTag = " (stale)"
		}
		fmt.Printf("\033[32m✓\033[0m %v%s (%s, request %s)\n", value, staleTag, time.Since(start), report.RequestID)
	})
	<-done
}

func handleSet(p *policy.Policy, id, value string) {
	if err := p.Set(context.Background(), policy.StringKey(id), []byte(value), 0); err != nil {
		fmt.Printf("\033[31m✗ %v\033[0m\n", err)
		return
	}
	fmt.Println("\033[32m✓ stored\033[0m")
}

func handleDrop(p *policy.Policy, id string) {
	if err := p.Drop(context.Background(), policy.StringKey(id)); err != nil {
		fmt.Printf("\033[31m✗ %v\033[0m\n", err)
		return
	}
	fmt.Println("\033[32m✓ dropped\033[0m")
}

func handleStats(p *policy.Policy) {
	s := p.Stats()
	fmt.Printf("gets=%d hits=%d stales=%d generates=%d sets=%d errors=%d\n",
		s.Gets, s.Hits, s.Stales, s.Generates, s.Sets, s.Errors)
}
