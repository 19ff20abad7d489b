package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryceygordon/magicfs/internal/config"
	"github.com/bryceygordon/magicfs/internal/extract"
	"github.com/bryceygordon/magicfs/internal/hollowdrive"
	"github.com/bryceygordon/magicfs/internal/indexer"
	"github.com/bryceygordon/magicfs/internal/inode"
	"github.com/bryceygordon/magicfs/internal/librarian"
	"github.com/bryceygordon/magicfs/internal/lifecycle"
	"github.com/bryceygordon/magicfs/internal/oracle"
	"github.com/bryceygordon/magicfs/internal/repo"
	"github.com/bryceygordon/magicfs/internal/store"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mount_point> <root1[,root2,...]>",
	Short: "Mount the semantic filesystem",
	Long:  `Mount MagicFS at mount_point, watching the given comma-separated roots.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().BoolP("foreground", "f", false, "run in foreground (don't daemonize)")
}

// newLibrarianSafely recovers the panic Librarian.New raises when a
// watched root is the mount point or a descendant of it, turning it into
// the ordinary error return the command layer needs for its nonzero exit
// code (spec.md §9: "Exit codes: ... nonzero on ... feedback-loop
// detection").
func newLibrarianSafely(roots []string, mountpoint string, r librarian.Repository, events chan<- librarian.Event) (lib *librarian.Librarian, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	lib, err = librarian.New(roots, mountpoint, r, events)
	return
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}

	mountpoint := args[0]
	roots := strings.Split(args[1], ",")
	for i := range roots {
		roots[i] = strings.TrimSpace(roots[i])
	}
	cfg.MountPoint = mountpoint
	cfg.Roots = roots

	debug, _ := cmd.Flags().GetBool("debug")
	if d, _ := cmd.Root().PersistentFlags().GetBool("debug"); d {
		debug = true
	}

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	if err := os.MkdirAll(cfg.InboxDir(), 0755); err != nil {
		return fmt.Errorf("create system inbox: %w", err)
	}
	if err := os.MkdirAll(cfg.MovedDir(), 0755); err != nil {
		return fmt.Errorf("create inbox moved directory: %w", err)
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer st.Close()
	r := repo.NewSQLiteRepository(st)

	inodes := inode.NewStore(cfg.Inode.EphemeralCapacity)
	embedder := extract.NewHashEmbedder(256)
	extractor := extract.PlainTextExtractor{}

	events := make(chan librarian.Event, cfg.Indexer.QueueCapacity)
	lib, err := newLibrarianSafely(roots, mountpoint, r, events)
	if err != nil {
		return fmt.Errorf("start librarian: %w", err)
	}

	idx := indexer.New(r, extractor, embedder, cfg.Indexer, roots)
	orc := oracle.New(r, embedder, inodes, cfg.Oracle)
	lc := lifecycle.New(r, roots, nil, cfg.Lifecycle)
	hd := hollowdrive.New(r, orc, inodes, lib, cfg.InboxDir(), cfg.MovedDir(), roots)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go idx.Run(ctx, events)
	lc.Start(ctx)

	librarianDone := make(chan error, 1)
	go func() { librarianDone <- lib.Run(ctx) }()

	fmt.Printf("Mounting MagicFS at %s (watching %s)\n", mountpoint, strings.Join(roots, ", "))
	server, err := hd.Mount(mountpoint, debug)
	if err != nil {
		cancel()
		lib.Stop()
		lc.Stop()
		return fmt.Errorf("mount: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nUnmounting...")
		server.Unmount()
	}()

	fmt.Println("Filesystem mounted. Press Ctrl+C to unmount.")
	server.Wait()

	cancel()
	lib.Stop()
	lc.Stop()
	if err := <-librarianDone; err != nil {
		log.Printf("[magicfs] librarian exited with error: %v", err)
	}

	return nil
}
