package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/makeasinger/karaoke/internal/catalog"
	"github.com/makeasinger/karaoke/internal/model"
)

func newSongsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "songs",
		Short: "List processed songs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			songs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(songs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No songs yet")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSongs(songs))
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one song and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCatalog(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			song, err := store.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSong(song))
			return nil
		},
	})

	return cmd
}

func openCatalog(ctx *commandContext) (*catalog.Store, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	return catalog.Open(cfg.Storage.CatalogPath)
}

func renderSongs(songs []model.Song) string {
	rows := make([][]string, 0, len(songs))
	for _, s := range songs {
		rows = append(rows, []string{
			s.ID,
			s.Title,
			s.Artist,
			formatDuration(s.Duration),
			fmt.Sprintf("%d/%d", countArtifacts(s.Files), len(model.Artifacts)),
			humanize.Time(s.UpdatedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Artist", "Length", "Artifacts", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func renderSong(s *model.Song) string {
	keys := make([]string, 0, len(s.Files))
	for k := range s.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys)+len(s.Metadata))
	for _, k := range keys {
		file := s.Files[k]
		if file == "" {
			file = "-"
		}
		rows = append(rows, []string{k, file})
	}
	metaKeys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(metaKeys)
	for _, k := range metaKeys {
		rows = append(rows, []string{k, s.Metadata[k]})
	}
	header := fmt.Sprintf("%s - %s (%s)\n", s.Title, s.Artist, formatDuration(s.Duration))
	return header + renderTable([]string{"Artifact", "File"}, rows, nil)
}

func countArtifacts(files map[string]string) int {
	n := 0
	for _, f := range files {
		if f != "" {
			n++
		}
	}
	return n
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	total := int(seconds + 0.5)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
