package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/core"
)

var (
	ingestDocumentID string
	ingestStrategy   string
	ingestChunkSize  int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload a document into long-term memory",
	Long: `Uploads a text file to a running server, which chunks it and indexes
every chunk. Re-using a document id replaces the previous chunks.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDocumentID, "id", "", "document id (default: assigned by the server)")
	ingestCmd.Flags().StringVar(&ingestStrategy, "strategy", "", "chunking strategy: sentence, phrase, fixed or section")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "chunk size in characters")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{"document_id": ingestDocumentID, "strategy": ingestStrategy}
	if ingestChunkSize > 0 {
		fields["chunk_size"] = strconv.Itoa(ingestChunkSize)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, apiURL("/api/documents"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var doc core.Document
	if err := doRequest(req, http.StatusCreated, &doc); err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	cmd.Printf("Ingested %s as %s (%d chunks)\n", doc.Filename, doc.ID, doc.TotalChunks)
	return nil
}

// doRequest sends req and decodes a JSON body on the wanted status.
func doRequest(req *http.Request, want int, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
