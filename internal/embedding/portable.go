package embedding

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/blueberrycongee/memvault/internal/vec"
	"github.com/blueberrycongee/memvault/pkg/memerr"
)

// The portable backend uses a token -> IDF table instead of a full neural
// runtime: embeddings are hashed token/bigram projections weighted by IDF,
// mean-pooled and L2-normalised. The table is optional. It can be pre-seeded
// into the cache directory or fetched as a tar.gz from a configured URL;
// without one, every token weighs 1 and the backend still works, just with
// flatter discrimination. Deterministic and fully offline either way.
const portableVocabFile = "vocab.txt"

type portableProvider struct {
	cfg    Config
	logger *slog.Logger
	dim    int
	idf    map[string]float64
}

func newPortableProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user cache dir: %w", err)
		}
		cacheDir = filepath.Join(base, "memvault")
	}

	idf := map[string]float64{}
	vocabPath, err := ensureVocab(cacheDir, cfg.VocabURL, logger)
	if err != nil {
		return nil, fmt.Errorf("prepare portable vocabulary: %w", err)
	}
	if vocabPath != "" {
		if idf, err = loadVocab(vocabPath); err != nil {
			return nil, fmt.Errorf("load vocabulary: %w", err)
		}
	} else {
		logger.Info("no vocabulary table available, using unweighted hashed projections")
	}

	return &portableProvider{
		cfg:    cfg,
		logger: logger.With("component", "embedding", "backend", "portable"),
		dim:    cfg.Dimension,
		idf:    idf,
	}, nil
}

// newPortableFromVocab skips the download machinery. Used by tests and by
// deployments that pre-seed the cache directory.
func newPortableFromVocab(dim int, idf map[string]float64) *portableProvider {
	return &portableProvider{
		cfg:    Config{Model: "portable-hash"}.withDefaults(),
		logger: slog.Default(),
		dim:    dim,
		idf:    idf,
	}
}

var downloadMu sync.Mutex

// ensureVocab returns the path of the vocabulary file, fetching the archive
// on first use when a URL is configured. An empty return with no error means
// no vocabulary is available, which is fine. Concurrent callers in one
// process serialise on downloadMu; concurrent processes are resolved by the
// atomic rename at the end.
func ensureVocab(cacheDir, vocabURL string, logger *slog.Logger) (string, error) {
	downloadMu.Lock()
	defer downloadMu.Unlock()

	vocabPath := filepath.Join(cacheDir, portableVocabFile)
	if _, err := os.Stat(vocabPath); err == nil {
		return vocabPath, nil // pre-seeded or previously fetched
	}
	if vocabURL == "" {
		return "", nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}

	logger.Info("downloading vocabulary archive", "url", vocabURL)

	resp, err := http.Get(vocabURL)
	if err != nil {
		return "", fmt.Errorf("download vocabulary archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download vocabulary archive: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(cacheDir, "vocab-*.tar.gz")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write vocabulary archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := extractVocab(tmp.Name(), cacheDir); err != nil {
		return "", fmt.Errorf("extract vocabulary archive: %w", err)
	}
	return vocabPath, nil
}

func extractVocab(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if filepath.Base(hdr.Name) != portableVocabFile || hdr.Typeflag != tar.TypeReg {
			continue
		}

		tmp, err := os.CreateTemp(destDir, "vocab-*")
		if err != nil {
			return err
		}
		if _, err := io.Copy(tmp, tr); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return err
		}
		return os.Rename(tmp.Name(), filepath.Join(destDir, portableVocabFile))
	}
	return fmt.Errorf("archive does not contain %s", portableVocabFile)
}

// loadVocab parses "token<space>idf" lines.
func loadVocab(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idf := make(map[string]float64, 32768)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		token, weight, found := strings.Cut(line, " ")
		if !found {
			idf[token] = 1
			continue
		}
		w, err := strconv.ParseFloat(weight, 64)
		if err != nil || w <= 0 {
			w = 1
		}
		idf[token] = w
	}
	return idf, scanner.Err()
}

func (p *portableProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, memerr.EmbeddingFailure("no tokens in input", nil)
	}

	out := make([]float32, p.dim)
	emit := func(token string) {
		weight := p.idf[token]
		if weight == 0 {
			weight = 1
		}
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dim))
		sign := float64(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		out[idx] += float32(sign * weight)
	}

	for i, tok := range tokens {
		emit(tok)
		if i > 0 {
			emit(tokens[i-1] + "_" + tok)
		}
	}

	// Mean-pool over the token count before normalising so short and long
	// inputs live on comparable scales.
	for i := range out {
		out[i] /= float32(len(tokens))
	}
	return vec.Normalize(out), nil
}

func (p *portableProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *portableProvider) Dimension() int    { return p.dim }
func (p *portableProvider) ModelName() string { return "portable/" + p.cfg.Model }
func (p *portableProvider) Close() error      { return nil }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
