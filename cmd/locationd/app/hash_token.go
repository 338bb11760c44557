package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"nuha.dev/loctrack/internal/util"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print the bcrypt hash of a control token for api.token_hash",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := ""
		if len(args) == 1 {
			tok = args[0]
		} else {
			tok = util.GenRandomString(nil, 24)
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\n", tok)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\n", util.CryptPwd(tok))
		return nil
	},
}
