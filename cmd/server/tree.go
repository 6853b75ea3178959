package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/filemanager/internal/models"
	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/vfs"
)

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree [folder-path]",
		Short: "Print the folder tree of the configured public root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := openCore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := a.lookup.Tree(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if node, err = a.lookup.FolderByPath(cmd.Context(), args[0]); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(node)
			}
			printTree(out, node, 0)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	return cmd
}

func printTree(w io.Writer, n *models.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	if n.IsFolder() {
		fmt.Fprintf(w, "%s%s/  [%s]\n", indent, n.Name, n.ID)
		for _, c := range n.Children {
			printTree(w, c, depth+1)
		}
		return
	}
	fmt.Fprintf(w, "%s%s  (%d bytes)  [%s]\n", indent, n.Name, n.Size, n.ID)
}

func newIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Convert between relative paths and identifiers",
	}

	var file bool
	encode := &cobra.Command{
		Use:   "encode <path>",
		Short: "Print the identifier of a relative path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := storage.Clean(args[0])
			if err != nil {
				return err
			}
			id := vfs.EncodeFolderID(p)
			if file {
				if p == "" {
					return errors.New("the root is a folder")
				}
				id = vfs.EncodeFileID(p)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	encode.Flags().BoolVar(&file, "file", false, "encode as a file identifier")

	decode := &cobra.Command{
		Use:   "decode <id>",
		Short: "Print the relative path of a folder identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if vfs.IsFileID(args[0]) {
				return errors.New("file identifiers cannot be decoded; look them up in the tree")
			}
			p, err := vfs.DecodeFolderID(args[0])
			if err != nil {
				return err
			}
			if p == "" {
				p = "/"
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}
