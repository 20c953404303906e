package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"yqhp/sim-engine/internal/catalog"
	"yqhp/sim-engine/internal/model"
)

// filterFlags select which items run.
type filterFlags struct {
	names    []string
	regex    string
	playlist string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.names, "names", "n", nil, "run only these items (comma separated)")
	cmd.Flags().StringVar(&f.regex, "filter", "", "run items whose name matches this regular expression")
	cmd.Flags().StringVar(&f.playlist, "playlist", "", "playlist file of glob patterns (* any run, # one character)")
}

// build returns the filter, in order of precedence: names, regex,
// playlist file, the tree's own playlist, the configured playlist.
func (f *filterFlags) build(root *model.Node) (catalog.Filter, error) {
	switch {
	case len(f.names) > 0:
		names := make([]string, 0, len(f.names))
		for _, n := range f.names {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		return catalog.Names(names...), nil
	case f.regex != "":
		return catalog.Regexp(f.regex)
	case f.playlist != "":
		return catalog.LoadPlaylist(f.playlist)
	}
	pl, err := catalog.PlaylistFromTree(root)
	if err != nil {
		return nil, err
	}
	if pl != nil {
		return pl, nil
	}
	if cfg != nil && cfg.Run.Playlist != "" {
		return catalog.LoadPlaylist(cfg.Run.Playlist)
	}
	return nil, nil
}
