// Command tftp-curl is a small transfer client, mostly useful for
// exercising a server by hand.
package main

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wjholden/tftpd/tftp"
)

func main() {
	var (
		server    string
		blocksize int
		timeout   int
		retries   int
		output    string
	)

	root := &cobra.Command{
		Use:           "tftp-curl",
		Short:         "transfer a single file to or from a TFTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", "", "server address, host:69")
	root.PersistentFlags().IntVarP(&blocksize, "blocksize", "b", 512, "transfer blocksize")
	root.PersistentFlags().IntVarP(&timeout, "timeout", "t", 3, "per-attempt timeout in seconds")
	root.PersistentFlags().IntVarP(&retries, "retries", "r", 4, "retransmissions before giving up")
	root.MarkPersistentFlagRequired("server")

	client := func() *tftp.Client {
		return &tftp.Client{
			Addr:      server,
			BlockSize: blocksize,
			Timeout:   time.Duration(timeout) * time.Second,
			Retries:   retries,
		}
	}

	get := &cobra.Command{
		Use:   "get <filename>",
		Short: "fetch a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := client().Get(cmd.Context(), args[0], w)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"file": args[0], "bytes": n}).Info("fetched")
			return nil
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "-", "destination file, - for stdout")

	put := &cobra.Command{
		Use:   "put <file> [remote-name]",
		Short: "upload a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			size := int64(-1)
			if info, err := f.Stat(); err == nil {
				size = info.Size()
			}
			remote := args[0]
			if len(args) == 2 {
				remote = args[1]
			}
			n, err := client().Put(cmd.Context(), remote, f, size)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"file": remote, "bytes": n}).Info("uploaded")
			return nil
		},
	}

	root.AddCommand(get, put)
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}
