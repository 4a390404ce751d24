package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloo-solutions/strata/internal/storage"
	"github.com/spf13/cobra"
)

func InvalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cached entries by tag",
		Long:  "Remove every Tier A entry carrying a tag. Exactly one of --tag, --item or --source is required.",
		Args:  cobra.NoArgs,
		RunE:  runInvalidate,
	}

	cmd.Flags().String("tag", "", "Raw cache tag")
	cmd.Flags().String("item", "", "Item id; invalidates entries derived from the item")
	cmd.Flags().String("source", "", "Source name; invalidates entries derived from the source")
	cmd.MarkFlagsMutuallyExclusive("tag", "item", "source")
	cmd.MarkFlagsOneRequired("tag", "item", "source")

	return cmd
}

func invalidationTag(tag, item, source string) (string, error) {
	switch {
	case tag != "":
		return tag, nil
	case item != "":
		return storage.ItemTag(item), nil
	case source != "":
		return storage.SourceTag(source), nil
	}
	return "", errors.New("one of --tag, --item or --source is required")
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rawTag, _ := cmd.Flags().GetString("tag")
	item, _ := cmd.Flags().GetString("item")
	source, _ := cmd.Flags().GetString("source")
	tag, err := invalidationTag(rawTag, item, source)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	removed, err := app.Cache.InvalidateByTag(ctx, tag)
	if err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", tag, err)
	}

	fmt.Printf("Invalidated %d entries tagged %s\n", removed, tag)
	return nil
}
