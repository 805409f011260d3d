package main

import (
	"encoding/json"
	"fmt"

	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/identity"
	"github.com/danmuck/taulink/internal/link"
	"github.com/spf13/cobra"
)

func newLinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Inspect or build sandnode links",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <link>",
		Short: "Print the parts of a link as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := link.Parse(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"nickname":   l.Nickname,
				"endpoint":   l.Address.Dial(),
				"encryption": l.ServerKey.Algorithm,
				"key":        l.ServerKey.Public,
			})
		},
	})

	var (
		nickname  string
		algorithm string
	)
	build := &cobra.Command{
		Use:   "new <host[:port]>",
		Short: "Generate a server key and print its link and private half",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := identity.ParseAddress(args[0])
			if err != nil {
				return err
			}
			key, err := crypto.DefaultRegistry().Generate(algorithm)
			if err != nil {
				return err
			}
			if key.IsSymmetric() {
				return fmt.Errorf("link: %s is not an asymmetric algorithm", algorithm)
			}
			l := link.Link{Nickname: nickname, Address: addr, ServerKey: key.PublicOnly()}
			fmt.Fprintln(cmd.OutOrStdout(), l.String())
			fmt.Fprintf(cmd.OutOrStdout(), "private: %s\n", key.Private)
			return nil
		},
	}
	build.Flags().StringVar(&nickname, "nickname", "", "nickname embedded in the link")
	build.Flags().StringVar(&algorithm, "encryption", "ECIES", "server key algorithm")
	cmd.AddCommand(build)
	return cmd
}
