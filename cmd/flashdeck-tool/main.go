// flashdeck-tool is a utility program for talking to a running flashdeck API.
package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flashdeck/apiclient"
	"flashdeck/imagecodec"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var cmdRoot = &cobra.Command{
	Use: "flashdeck-tool",
}

var (
	apiURL     string
	apiTimeout time.Duration
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the flashdeck API.")
	cmdRoot.PersistentFlags().DurationVar(&apiTimeout, "timeout", 5*time.Minute, "Overall timeout for the command.")
}

func newClient() (*apiclient.Client, error) {
	return apiclient.New(&http.Client{}, apiURL)
}

var cmdCreateCollection = &cobra.Command{
	Use:  "create-collection NAME",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		c, err := newClient()
		if err != nil {
			return err
		}

		coll, err := c.CreateCollection(ctx, args[0], createCollectionOwner, createCollectionCategory)
		if err != nil {
			return err
		}

		fmt.Println(coll.ID)
		return nil
	},
}

var (
	createCollectionOwner    string
	createCollectionCategory string
)

func init() {
	cmdCreateCollection.Flags().StringVar(&createCollectionOwner, "owner", "", "Owner of the new collection.")
	cmdCreateCollection.Flags().StringVar(&createCollectionCategory, "category", "", "")
}

var cmdDeleteCollection = &cobra.Command{
	Use:  "delete-collection ID",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		c, err := newClient()
		if err != nil {
			return err
		}

		return c.DeleteCollection(ctx, args[0])
	},
}

var cmdAddCard = &cobra.Command{
	Use: "add-card",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		c, err := newClient()
		if err != nil {
			return err
		}

		var img *imagecodec.Payload
		if addCardImage != "" {
			img, err = imagecodec.EncodeFile(addCardImage)
			if err != nil {
				return fmt.Errorf("while encoding image: %w", err)
			}
		}

		res, err := c.AddCard(ctx, addCardCollection, addCardQuestion, addCardAnswer, addCardTopic, img)
		if err != nil {
			return err
		}
		if res.ImageFailed {
			glog.Warningf("Card %s was added without its image", res.Card.ID)
		}

		fmt.Println(res.Card.ID)
		return nil
	},
}

var (
	addCardCollection string
	addCardQuestion   string
	addCardAnswer     string
	addCardTopic      string
	addCardImage      string
)

func init() {
	cmdAddCard.Flags().StringVar(&addCardCollection, "collection", "", "Collection ID.")
	cmdAddCard.Flags().StringVar(&addCardQuestion, "question", "", "")
	cmdAddCard.Flags().StringVar(&addCardAnswer, "answer", "", "")
	cmdAddCard.Flags().StringVar(&addCardTopic, "topic", "", "")
	cmdAddCard.Flags().StringVar(&addCardImage, "image", "", "Path to an image file to attach.")
}

var cmdFetchImages = &cobra.Command{
	Use: "fetch-images",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		c, err := newClient()
		if err != nil {
			return err
		}

		if err := os.MkdirAll(fetchImagesOutDir, 0755); err != nil {
			return fmt.Errorf("while creating output directory: %w", err)
		}

		count := 0
		err = c.StreamImages(ctx, fetchImagesCollection, fetchImagesOrdered, func(p *apiclient.Part) error {
			name := filepath.Join(fetchImagesOutDir, filepath.Base(p.CardID)+extensionFor(p.ContentType))
			if err := writeFile(name, p.Body); err != nil {
				return err
			}
			glog.Infof("Wrote %s (%s)", name, p.ContentType)
			count++
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("Fetched %d images\n", count)
		return nil
	},
}

var (
	fetchImagesCollection string
	fetchImagesOutDir     string
	fetchImagesOrdered    bool
)

func init() {
	cmdFetchImages.Flags().StringVar(&fetchImagesCollection, "collection", "", "Collection ID.")
	cmdFetchImages.Flags().StringVar(&fetchImagesOutDir, "out-dir", ".", "Directory to write images into.")
	cmdFetchImages.Flags().BoolVar(&fetchImagesOrdered, "ordered", false, "Receive images in card order instead of as they complete.")
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func writeFile(name string, r io.Reader) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("while writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("while closing %s: %w", name, err)
	}
	return nil
}

var cmdImport = &cobra.Command{
	Use:   "import",
	Short: "Add one card per image file in a directory.  The question is the file name.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()

		c, err := newClient()
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(importDir)
		if err != nil {
			return fmt.Errorf("while listing %s: %w", importDir, err)
		}

		limiter := rate.NewLimiter(rate.Limit(importRate), 1)

		added := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(importDir, entry.Name())

			img, err := imagecodec.EncodeFile(path)
			if err != nil {
				return fmt.Errorf("while encoding %s: %w", path, err)
			}
			if err := imagecodec.CheckContentType(img.ContentType); err != nil {
				glog.Infof("Skipping %s: %v", path, err)
				continue
			}

			if err := limiter.Wait(ctx); err != nil {
				return fmt.Errorf("while waiting for rate limiter: %w", err)
			}

			question := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
			res, err := c.AddCard(ctx, importCollection, question, importAnswer, importTopic, img)
			if err != nil {
				return fmt.Errorf("while importing %s: %w", path, err)
			}
			if res.ImageFailed {
				glog.Warningf("Card %s for %s was added without its image", res.Card.ID, path)
			}
			added++
		}

		fmt.Printf("Imported %d cards\n", added)
		return nil
	},
}

var (
	importDir        string
	importCollection string
	importAnswer     string
	importTopic      string
	importRate       float64
)

func init() {
	cmdImport.Flags().StringVar(&importDir, "dir", ".", "Directory of image files.")
	cmdImport.Flags().StringVar(&importCollection, "collection", "", "Collection ID.")
	cmdImport.Flags().StringVar(&importAnswer, "answer", "?", "Answer for every imported card.")
	cmdImport.Flags().StringVar(&importTopic, "topic", "", "")
	cmdImport.Flags().Float64Var(&importRate, "rate", 5, "Maximum cards added per second.")
}

func main() {
	glog.CopyStandardLogTo("INFO")

	cmdRoot.AddCommand(cmdCreateCollection, cmdDeleteCollection, cmdAddCard, cmdFetchImages, cmdImport)

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}
