package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/web-casa/dockerops/internal/auth"
	"github.com/web-casa/dockerops/internal/model"
	"github.com/web-casa/dockerops/internal/source"
)

func statusCmd(c *cli.Context) error {
	app, err := openStore(c)
	if err != nil {
		return err
	}
	defer app.Close()

	sources, err := app.store.ListSources(c.Context)
	if err != nil {
		return err
	}
	stacks, err := app.store.ListStacks(c.Context)
	if err != nil {
		return err
	}
	images, err := app.store.ListImages(c.Context)
	if err != nil {
		return err
	}
	printStatus(os.Stdout, sources, stacks, images)
	return nil
}

func printStatus(w io.Writer, sources []model.SourceTree, stacks []model.Stack, images []model.Image) {
	tr := tabwriter.NewWriter(w, 6, 6, 3, ' ', 0)

	fmt.Fprintf(tr, "SOURCE\tLAST WATCH\n")
	for _, s := range sources {
		fmt.Fprintf(tr, "%s\t%s\n", source.SanitizeURL(s.URL), formatTime(s.LastWatch))
	}
	fmt.Fprintln(tr)

	fmt.Fprintf(tr, "STACK\tSTATUS\tMANIFEST\tFINGERPRINT\tERROR\n")
	for _, s := range stacks {
		fp := s.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		reason := ""
		if s.LastError != "" {
			reason = fmt.Sprintf("%q", s.LastError)
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Status, s.ManifestPath, fp, reason)
	}
	fmt.Fprintln(tr)

	fmt.Fprintf(tr, "IMAGE\tREFERENCES\n")
	for _, img := range images {
		fmt.Fprintf(tr, "%s\t%d\n", img.Name, img.ReferenceCount)
	}
	tr.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func hashPasswordCmd(c *cli.Context) error {
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
