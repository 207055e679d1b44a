package main

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"github.com/logrusorgru/aurora"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/snowmerak/pluginscan/lib/registry"
)

func listCommand() cli.Command {
	return cli.Command{
		Name:  "list",
		Usage: "print the records in the registry cache",
		Flags: []cli.Flag{
			cacheFlag(),
			cli.BoolFlag{Name: "json", Usage: "print records as JSON"},
			cli.BoolFlag{Name: "no-color", Usage: "disable colored output"},
		},
		Action: runList,
	}
}

func runList(c *cli.Context) error {
	path, err := homedir.Expand(c.String("cache"))
	if err != nil {
		return err
	}
	store, err := registry.OpenBoltStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		return err
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	}

	printRecords(os.Stdout, aurora.NewAurora(!c.Bool("no-color")), records)
	return nil
}

func printRecords(w io.Writer, au aurora.Aurora, records []*registry.Record) {
	for _, rec := range records {
		if rec.Blacklisted {
			fmt.Fprintf(w, "%s %s\n", au.Red("blacklisted"), rec.Filename)
			continue
		}
		fmt.Fprintf(w, "%s %s %s (%d features)\n", au.Green(rec.Name), au.Bold(rec.Version), rec.Filename, len(rec.Features))
		for _, f := range rec.Features {
			fmt.Fprintf(w, "    %s %s rank=%d\n", f.Kind, f.Name, f.Rank)
		}
	}
}
