// Package tesseract provides a ProcessingUnit backed by libtesseract.
package tesseract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/otiai10/gosseract/v2"
)

// Options configures every unit created by Factory.
type Options struct {
	Languages []string
	// MaxDimension bounds the longest image side before recognition. 0 leaves
	// the image at its own size.
	MaxDimension int
	// Variables are passed through to tesseract (e.g. "tessedit_pageseg_mode").
	Variables map[string]string
}

// Unit owns a single tesseract client for its whole lifetime.
type Unit struct {
	ID     int
	client *gosseract.Client
	opts   Options
}

// New initializes a tesseract client with the configured languages.
func New(id int, opts Options) (*Unit, error) {
	c := gosseract.NewClient()
	langs := opts.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	if err := c.SetLanguage(langs...); err != nil {
		c.Close()
		return nil, fmt.Errorf("unit %d: set languages %v: %w", id, langs, err)
	}
	for k, v := range opts.Variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			c.Close()
			return nil, fmt.Errorf("unit %d: set variable %s: %w", id, k, err)
		}
	}
	return &Unit{ID: id, client: c, opts: opts}, nil
}

// Factory returns an engine.Factory producing tesseract units.
func Factory(opts Options) engine.Factory {
	return func(id int) (engine.Unit, error) {
		return New(id, opts)
	}
}

// Recognize runs pre-processing and OCR on one image.
func (u *Unit) Recognize(image []byte) engine.Outcome {
	prepared, err := engine.Prepare(image, u.opts.MaxDimension)
	if err != nil {
		if errors.Is(err, engine.ErrUndecodable) {
			return engine.Rejected("Failed to read image from memory.")
		}
		return engine.Failed(err.Error())
	}
	if err := u.client.SetImageFromBytes(prepared); err != nil {
		return engine.Failed(fmt.Sprintf("set image: %v", err))
	}
	text, err := u.client.Text()
	if err != nil {
		return engine.Failed(fmt.Sprintf("recognize text: %v", err))
	}
	if strings.TrimSpace(text) == "" {
		return engine.Failed("Tesseract failed to extract text.")
	}
	return engine.Recognized(text)
}

// Close releases the tesseract client.
func (u *Unit) Close() error {
	return u.client.Close()
}
