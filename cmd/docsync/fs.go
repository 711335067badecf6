package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/ui"
)

var fsCmd = &cobra.Command{
	Use:     "fs",
	GroupID: "files",
	Short:   "Inspect and edit the workspace",
	Long: `Operate on the workspace through the configured backend (fs.kind).

Paths are workspace paths: "/" is the workspace root (--root for the disk
backend), "\" separators are accepted and "." / ".." are resolved.`,
}

// withProvider runs fn against a freshly opened provider.
func withProvider(fn func(ctx context.Context, p fsprovider.Provider) error) error {
	p, err := openProvider()
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(context.Background(), p)
}

var fsLsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		recursive, _ := cmd.Flags().GetBool("recursive")
		all, _ := cmd.Flags().GetBool("all")
		offset, _ := cmd.Flags().GetInt("offset")
		limit, _ := cmd.Flags().GetInt("limit")

		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			listing, err := p.ListDirectory(ctx, path, fsprovider.ListOptions{
				Recursive:     recursive,
				IncludeHidden: all,
				Offset:        offset,
				Limit:         limit,
			})
			if err != nil {
				return err
			}

			for _, e := range listing.Entries {
				if e.IsDir() {
					fmt.Printf("%-10s %s  %s\n", ui.RenderMuted("dir"), e.ModTime.Format("2006-01-02 15:04"), ui.RenderAccent(e.Path+"/"))
					continue
				}
				fmt.Printf("%-10s %s  %s\n", ui.Size(e.Size), e.ModTime.Format("2006-01-02 15:04"), e.Path)
			}
			if listing.HasMore {
				fmt.Println(ui.RenderMuted(fmt.Sprintf("... %d of %d entries shown (use --offset)", len(listing.Entries), listing.TotalCount)))
			}
			return nil
		})
	},
}

var fsCatCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			content, err := p.ReadFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		})
	},
}

var fsWriteCmd = &cobra.Command{
	Use:   "write <path> [content]",
	Short: "Write a file (content from stdin when omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		parents, _ := cmd.Flags().GetBool("parents")

		var content string
		if len(args) == 2 {
			content = args[1]
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read stdin: %w", err)
			}
			content = string(data)
		}

		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			err := p.WriteFile(ctx, args[0], content, fsprovider.WriteOptions{
				Overwrite:         force,
				CreateDirectories: parents,
			})
			if errors.Is(err, fsprovider.ErrAlreadyExists) {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s Wrote %s (%s)\n", ui.RenderPass("✓"), fsprovider.Resolve(args[0]), ui.Size(int64(len(content))))
			return nil
		})
	},
}

var fsRmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		yes, _ := cmd.Flags().GetBool("yes")

		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			entry, err := p.GetStats(ctx, args[0])
			if err != nil {
				return err
			}
			if !entry.IsDir() {
				if err := p.DeleteFile(ctx, entry.Path); err != nil {
					return err
				}
				fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), entry.Path)
				return nil
			}

			if recursive && !yes {
				listing, err := p.ListDirectory(ctx, entry.Path, fsprovider.ListOptions{Recursive: true, IncludeHidden: true})
				if err != nil {
					return err
				}
				ok, err := ui.Confirm(
					fmt.Sprintf("Remove %s?", entry.Path),
					fmt.Sprintf("%d entries will be deleted.", listing.TotalCount),
				)
				if errors.Is(err, ui.ErrNotInteractive) {
					return fmt.Errorf("refusing to remove %s without confirmation (use --yes)", entry.Path)
				}
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted")
					return nil
				}
			}

			if err := p.DeleteDirectory(ctx, entry.Path, recursive); err != nil {
				if errors.Is(err, fsprovider.ErrNotEmpty) {
					return fmt.Errorf("%w (use -r to remove its contents)", err)
				}
				return err
			}
			fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), entry.Path)
			return nil
		})
	},
}

var fsMkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parents, _ := cmd.Flags().GetBool("parents")
		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			return p.CreateDirectory(ctx, args[0], parents)
		})
	},
}

var fsMvCmd = &cobra.Command{
	Use:   "mv <src> <dst>",
	Short: "Move or rename a file or directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			return p.MoveFile(ctx, args[0], args[1], force)
		})
	},
}

var fsCpCmd = &cobra.Command{
	Use:   "cp <src> <dst>",
	Short: "Copy a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			return p.CopyFile(ctx, args[0], args[1], force)
		})
	},
}

var fsStatCmd = &cobra.Command{
	Use:   "stat [path]",
	Short: "Show an entry, or workspace totals when no path is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(func(ctx context.Context, p fsprovider.Provider) error {
			if len(args) == 0 {
				st, err := p.GetFileSystemStats(ctx)
				if err != nil {
					return err
				}
				rows := [][2]string{
					{"Backend", string(p.Kind())},
					{"Files", fmt.Sprintf("%d", st.TotalFiles)},
					{"Directories", fmt.Sprintf("%d", st.TotalDirectories)},
					{"Size", ui.Size(st.TotalSize)},
				}
				if st.Capacity > 0 {
					rows = append(rows,
						[2]string{"Capacity", ui.Size(int64(st.Capacity))},
						[2]string{"Free", ui.Size(int64(st.Free))},
					)
				}
				fmt.Print(ui.KeyValues(rows))
				return nil
			}

			e, err := p.GetStats(ctx, args[0])
			if err != nil {
				return err
			}
			perms := ""
			for _, c := range []struct {
				ok   bool
				flag string
			}{{e.Permissions.Readable, "r"}, {e.Permissions.Writable, "w"}, {e.Permissions.Executable, "x"}} {
				if c.ok {
					perms += c.flag
				} else {
					perms += "-"
				}
			}
			rows := [][2]string{
				{"Path", e.Path},
				{"Type", string(e.Type)},
				{"Size", ui.Size(e.Size)},
				{"Modified", e.ModTime.Format("2006-01-02 15:04:05")},
				{"Permissions", perms},
			}
			fmt.Print(ui.KeyValues(rows))
			return nil
		})
	},
}

func init() {
	fsLsCmd.Flags().BoolP("recursive", "R", false, "List subdirectories recursively")
	fsLsCmd.Flags().BoolP("all", "a", false, "Include hidden entries")
	fsLsCmd.Flags().Int("offset", 0, "Skip this many entries")
	fsLsCmd.Flags().Int("limit", 0, "Show at most this many entries (0 = all)")

	fsWriteCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	fsWriteCmd.Flags().BoolP("parents", "p", false, "Create missing parent directories")

	fsRmCmd.Flags().BoolP("recursive", "R", false, "Remove directories and their contents")
	fsRmCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	fsMkdirCmd.Flags().BoolP("parents", "p", false, "Create missing parent directories")

	fsMvCmd.Flags().BoolP("force", "f", false, "Replace an existing destination")
	fsCpCmd.Flags().BoolP("force", "f", false, "Replace an existing destination")

	fsCmd.AddCommand(fsLsCmd, fsCatCmd, fsWriteCmd, fsRmCmd, fsMkdirCmd, fsMvCmd, fsCpCmd, fsStatCmd)
	rootCmd.AddCommand(fsCmd)
}
