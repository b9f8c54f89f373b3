package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/fsaccess"
)

func (a *app) newFingerprintCmd() *cobra.Command {
	var legacy32 bool

	cmd := &cobra.Command{
		Use:   "fingerprint FILE...",
		Short: "Print the content fingerprint of files",
		Long: "Print, for each file, its path, the debug form of its fingerprint\n" +
			"(size:mtime:crc:valid) and the compact attribute form.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := fingerprint.Offsets64
			if legacy32 {
				mode = fingerprint.OffsetsLegacy32
			}

			fs := fsaccess.NewOS()
			for _, p := range args {
				fp, err := fingerprint.FromPath(fs, p, mode)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p, fp, fp.EncodeAttr())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&legacy32, "legacy32", false, "sample windows at 32-bit wrapped offsets")
	return cmd
}
