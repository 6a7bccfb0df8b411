package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/turnstile/internal/jhtml"
)

var compileCmd = &cobra.Command{
	Use:   "compile <template>",
	Short: "Print the script a template compiles to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := jhtml.NewCompiler().Compile(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), source)
		return err
	},
}
