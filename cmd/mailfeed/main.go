package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/robertmeta/mailfeed/feed"
	"github.com/robertmeta/mailfeed/identity"
	"github.com/robertmeta/mailfeed/mailbox"
	"github.com/robertmeta/mailfeed/model"
	"github.com/robertmeta/mailfeed/opml"
	"github.com/robertmeta/mailfeed/pipeline"
	"github.com/robertmeta/mailfeed/store"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

var logger = zap.NewNop()

func main() {
	// A .env file is optional; real deployments set the environment.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "mailfeed",
		Usage:   "Aggregate syndication feeds and deliver new entries to subscriber mailboxes",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   getDefaultDBPath(),
				Usage:   "Database file path",
				EnvVars: []string{"MAILFEED_DB"},
			},
			&cli.StringFlag{
				Name:    "secret-key",
				Usage:   "Hex-encoded 32-byte key for email encryption",
				EnvVars: []string{"MAILFEED_SECRET_KEY"},
			},
			&cli.StringFlag{
				Name:    "imap-addr",
				Usage:   "IMAP server address (host:port)",
				EnvVars: []string{"MAILFEED_IMAP_ADDR"},
			},
			&cli.BoolFlag{
				Name:    "imap-insecure",
				Usage:   "Connect to the IMAP server without TLS (testing only)",
				EnvVars: []string{"MAILFEED_IMAP_INSECURE"},
			},
			&cli.StringFlag{
				Name:    "folder",
				Value:   pipeline.DefaultBaseFolder,
				Usage:   "Base mailbox folder for delivered entries",
				EnvVars: []string{"MAILFEED_FOLDER"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if c.Bool("verbose") {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a new feed and fetch it immediately",
				ArgsUsage: "<url>",
				Action:    addFeed,
			},
			{
				Name:   "feeds",
				Usage:  "List all feeds",
				Action: listFeeds,
			},
			{
				Name:  "sync",
				Usage: "Synchronize feeds (fetch and store new entries)",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "feed-id",
						Aliases: []string{"f"},
						Usage:   "Sync specific feed by ID (if not set, syncs all active feeds)",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Fetch unconditionally, even for deactivated feeds",
					},
					&cli.IntFlag{
						Name:  "parallel",
						Value: 8,
						Usage: "Maximum concurrent feed fetches",
					},
				},
				Action: syncFeeds,
			},
			{
				Name:  "deliver",
				Usage: "Deliver pending entries to subscriber mailboxes",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "user-id",
						Aliases: []string{"u"},
						Usage:   "Deliver for a specific user (if not set, delivers for all users)",
					},
				},
				Action: deliverEntries,
			},
			{
				Name:  "run",
				Usage: "Sync all feeds, then deliver for all users (cron entrypoint)",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "parallel",
						Value: 8,
						Usage: "Maximum concurrent feed fetches",
					},
				},
				Action: runCycle,
			},
			{
				Name:  "user",
				Usage: "Manage subscribers",
				Subcommands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Register a subscriber",
						ArgsUsage: "<email>",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "credential",
								Usage: "Mailbox credential (app password or token)",
							},
						},
						Action: addUser,
					},
					{
						Name:   "list",
						Usage:  "List subscribers",
						Action: listUsers,
					},
				},
			},
			{
				Name:      "subscribe",
				Usage:     "Subscribe a user to a feed URL (creates the feed on first use)",
				ArgsUsage: "<user-id> <url>",
				Action:    subscribe,
			},
			{
				Name:      "unsubscribe",
				Usage:     "Remove a user's subscription",
				ArgsUsage: "<user-id> <feed-id>",
				Action:    unsubscribe,
			},
			{
				Name:  "list",
				Usage: "List stored entries",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   50,
						Usage:   "Maximum number of entries to return",
					},
					&cli.IntFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Value:   0,
						Usage:   "Offset for pagination",
					},
					&cli.Int64Flag{
						Name:    "feed-id",
						Aliases: []string{"f"},
						Usage:   "Filter by feed",
					},
					&cli.StringFlag{
						Name:    "since",
						Aliases: []string{"s"},
						Usage:   "Show entries since duration (e.g., 7d, 2w, 3m, 1y)",
					},
				},
				Action: listEntries,
			},
			{
				Name:      "import",
				Usage:     "Import feeds from OPML file",
				ArgsUsage: "<opml-file>",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "user-id",
						Aliases: []string{"u"},
						Usage:   "Also subscribe this user to every imported feed",
					},
				},
				Action: importOPML,
			},
			{
				Name:  "export",
				Usage: "Export feeds to OPML file",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "user-id",
						Aliases: []string{"u"},
						Usage:   "Export only this user's subscriptions",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
			{
				Name:   "keygen",
				Usage:  "Generate a secret key for email encryption",
				Action: generateKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func getDefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mailfeed.db"
	}
	return filepath.Join(home, ".config", "mailfeed", "mailfeed.db")
}

func getStore(c *cli.Context) (*store.Store, error) {
	dbPath := c.String("db")

	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	s, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return s, nil
}

func getCodec(c *cli.Context) (*identity.Codec, error) {
	key := c.String("secret-key")
	if key == "" {
		return nil, fmt.Errorf("a secret key is required (--secret-key or MAILFEED_SECRET_KEY)")
	}
	return identity.NewCodec(key)
}

func getDispatcher(c *cli.Context, s *store.Store) (*pipeline.Dispatcher, error) {
	codec, err := getCodec(c)
	if err != nil {
		return nil, err
	}

	addr := c.String("imap-addr")
	if addr == "" {
		return nil, fmt.Errorf("an IMAP server address is required (--imap-addr or MAILFEED_IMAP_ADDR)")
	}

	channel := &mailbox.IMAPChannel{
		Addr:     addr,
		Insecure: c.Bool("imap-insecure"),
		Log:      logger,
	}

	return pipeline.NewDispatcher(s, channel, codec, c.String("folder"), logger), nil
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func addFeed(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: mailfeed add <url>", ExitUsageError)
	}

	url := c.Args().Get(0)

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	f, err := ensureFeed(c.Context, s, url)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"feed":    f,
	})
}

// ensureFeed returns the feed for url, creating it and running a forced
// bootstrap sync (to capture the title and first entries) when it does not
// exist yet.
func ensureFeed(ctx context.Context, s *store.Store, url string) (*model.Feed, error) {
	if f, err := s.GetFeedByURL(ctx, url); err == nil {
		return f, nil
	}

	f := &model.Feed{URL: url, Active: true}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := s.SaveFeed(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to save feed: %w", err)
	}

	syncer := pipeline.NewSynchronizer(s, feed.NewFetcher(), logger)
	if _, err := syncer.SyncFeed(ctx, f.ID, true); err != nil {
		return nil, fmt.Errorf("failed to fetch new feed: %w", err)
	}

	return s.GetFeed(ctx, f.ID)
}

func listFeeds(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	feeds, err := s.GetAllFeeds(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feeds: %v", err), ExitDataError)
	}

	return outputJSON(feeds)
}

func syncFeeds(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	feedID := c.Int64("feed-id")
	force := c.Bool("force")
	syncer := pipeline.NewSynchronizer(s, feed.NewFetcher(), logger)

	if feedID > 0 {
		result, err := syncer.SyncFeed(c.Context, feedID, force)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to sync feed: %v", err), ExitDataError)
		}
		return outputJSON(result)
	}

	results, totalNew := syncAllFeeds(c.Context, s, syncer, force, c.Int("parallel"))
	return outputJSON(map[string]interface{}{
		"synced_feeds":      len(results),
		"total_new_entries": totalNew,
		"results":           results,
	})
}

// syncAllFeeds runs one update cycle per active feed with bounded
// parallelism. Feeds share no in-process state, so each is an independent
// unit of work.
func syncAllFeeds(ctx context.Context, s *store.Store, syncer *pipeline.Synchronizer, force bool, parallel int) (map[string]interface{}, int) {
	results := make(map[string]interface{})
	totalNew := 0

	feeds, err := s.ActiveFeeds(ctx)
	if err != nil {
		results["error"] = err.Error()
		return results, 0
	}

	if parallel < 1 {
		parallel = 1
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, parallel)

	for _, f := range feeds {
		wg.Add(1)
		go func(f *model.Feed) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := syncer.SyncFeed(ctx, f.ID, force)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[f.URL] = map[string]interface{}{"error": err.Error()}
				return
			}
			totalNew += result.NewEntries
			results[f.URL] = result
		}(f)
	}

	wg.Wait()
	return results, totalNew
}

func deliverEntries(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	dispatcher, err := getDispatcher(c, s)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	userID := c.Int64("user-id")
	if userID > 0 {
		delivered, err := dispatcher.DeliverForUser(c.Context, userID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to deliver: %v", err), ExitDataError)
		}
		return outputJSON(map[string]interface{}{
			"user_id":   userID,
			"delivered": delivered,
		})
	}

	results, total := deliverAllUsers(c.Context, s, dispatcher)
	return outputJSON(map[string]interface{}{
		"total_delivered": total,
		"results":         results,
	})
}

// deliverAllUsers runs one delivery cycle per active user. Cycles run
// sequentially: they contend on the same IMAP server, and a failed user must
// not hide another's result.
func deliverAllUsers(ctx context.Context, s *store.Store, dispatcher *pipeline.Dispatcher) (map[string]interface{}, int) {
	results := make(map[string]interface{})
	total := 0

	users, err := s.GetAllUsers(ctx)
	if err != nil {
		results["error"] = err.Error()
		return results, 0
	}

	for _, u := range users {
		if !u.Active {
			continue
		}
		key := fmt.Sprintf("user-%d", u.ID)

		delivered, err := dispatcher.DeliverForUser(ctx, u.ID)
		if err != nil {
			results[key] = map[string]interface{}{"error": err.Error()}
			continue
		}
		total += delivered
		results[key] = map[string]interface{}{"delivered": delivered}
	}

	return results, total
}

func runCycle(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	dispatcher, err := getDispatcher(c, s)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	syncer := pipeline.NewSynchronizer(s, feed.NewFetcher(), logger)
	syncResults, totalNew := syncAllFeeds(c.Context, s, syncer, false, c.Int("parallel"))
	deliverResults, totalDelivered := deliverAllUsers(c.Context, s, dispatcher)

	return outputJSON(map[string]interface{}{
		"total_new_entries": totalNew,
		"total_delivered":   totalDelivered,
		"sync":              syncResults,
		"deliver":           deliverResults,
	})
}

func addUser(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: mailfeed user add <email>", ExitUsageError)
	}

	email := c.Args().Get(0)

	codec, err := getCodec(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	cipher, err := codec.Encrypt(email)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to encrypt email: %v", err), ExitDataError)
	}

	user := &model.User{
		EmailCipher:       cipher,
		EmailHash:         identity.Hash(email),
		Active:            true,
		MailboxCredential: c.String("credential"),
		APIToken:          identity.NewAPIToken(),
	}

	if err := s.CreateUser(c.Context, user); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to create user: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success":   true,
		"user_id":   user.ID,
		"api_token": user.APIToken,
	})
}

func listUsers(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	users, err := s.GetAllUsers(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get users: %v", err), ExitDataError)
	}

	return outputJSON(users)
}

func subscribe(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("Usage: mailfeed subscribe <user-id> <url>", ExitUsageError)
	}

	var userID int64
	if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &userID); err != nil {
		return cli.Exit("Invalid user ID", ExitUsageError)
	}
	url := c.Args().Get(1)

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	if _, err := s.GetUser(c.Context, userID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get user: %v", err), ExitDataError)
	}

	f, err := ensureFeed(c.Context, s, url)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}

	if err := s.Subscribe(c.Context, userID, f.ID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to subscribe: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"user_id": userID,
		"feed":    f,
	})
}

func unsubscribe(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("Usage: mailfeed unsubscribe <user-id> <feed-id>", ExitUsageError)
	}

	var userID, feedID int64
	if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &userID); err != nil {
		return cli.Exit("Invalid user ID", ExitUsageError)
	}
	if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &feedID); err != nil {
		return cli.Exit("Invalid feed ID", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	if err := s.Unsubscribe(c.Context, userID, feedID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to unsubscribe: %v", err), ExitDataError)
	}

	// A feed nobody reads anymore is a deactivation candidate; keep the
	// record but stop fetching it.
	count, err := s.SubscriberCount(c.Context, feedID)
	if err == nil && count == 0 {
		if err := s.SetFeedActive(c.Context, feedID, false); err != nil {
			logger.Warn("failed to deactivate unsubscribed feed",
				zap.Int64("feed_id", feedID), zap.Error(err))
		}
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"user_id": userID,
		"feed_id": feedID,
	})
}

func listEntries(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	opts, err := store.BuildQueryOptions(
		c.Int("limit"),
		c.Int("offset"),
		c.Int64("feed-id"),
		c.String("since"),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}

	entries, err := s.GetEntries(c.Context, opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get entries: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"count":   len(entries),
		"limit":   opts.Limit,
		"offset":  opts.Offset,
		"entries": entries,
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: mailfeed import <opml-file>", ExitUsageError)
	}

	opmlPath := c.Args().Get(0)
	userID := c.Int64("user-id")

	// Open OPML file
	file, err := os.Open(opmlPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	// Parse OPML
	feeds, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}

	// Open database
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	// Import feeds
	imported := 0
	skipped := 0
	var errors []string

	for _, newFeed := range feeds {
		f, err := s.GetFeedByURL(c.Context, newFeed.URL)
		if err != nil {
			if err := s.SaveFeed(c.Context, newFeed); err != nil {
				skipped++
				errors = append(errors, fmt.Sprintf("%s: %v", newFeed.URL, err))
				continue
			}
			f = newFeed
			imported++
		} else {
			skipped++
		}

		if userID > 0 {
			if err := s.Subscribe(c.Context, userID, f.ID); err != nil {
				errors = append(errors, fmt.Sprintf("%s: %v", newFeed.URL, err))
			}
		}
	}

	return outputJSON(map[string]interface{}{
		"success":  true,
		"imported": imported,
		"skipped":  skipped,
		"total":    len(feeds),
		"errors":   errors,
	})
}

func exportOPML(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	var feeds []*model.Feed
	userID := c.Int64("user-id")
	if userID > 0 {
		feeds, err = s.GetSubscriptions(c.Context, userID)
	} else {
		feeds, err = s.GetAllFeeds(c.Context)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feeds: %v", err), ExitDataError)
	}

	// Determine output destination
	outputPath := c.String("output")
	var writer io.Writer

	if outputPath == "" {
		// Output to stdout
		writer = os.Stdout
	} else {
		// Output to file
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	// Generate OPML
	if err := opml.Generate(writer, feeds); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	// If outputting to file, also return JSON status
	if outputPath != "" {
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   len(feeds),
		})
	}

	return nil
}

func generateKey(c *cli.Context) error {
	key, err := identity.NewKey()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate key: %v", err), ExitDataError)
	}
	return outputJSON(map[string]interface{}{
		"secret_key": key,
	})
}
