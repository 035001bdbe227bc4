package actions

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/shopspring/decimal"
)

// Renderer renders notification templates with the Liquid template language.
// Parsed templates are cached by source text.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

var defaultRenderer = NewRenderer()

// NewRenderer creates a renderer with the notification filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ customer.name | default: "friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ delta | money }}
	r.engine.RegisterFilter("money", func(value interface{}) string {
		d, err := decimal.NewFromString(fmt.Sprintf("%v", value))
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return d.StringFixed(2)
	})

	// {{ customer.phone | mask_phone }}
	r.engine.RegisterFilter("mask_phone", func(s string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
		if len(digits) <= 4 {
			return "***"
		}
		return "***" + digits[len(digits)-4:]
	})
}

// Parse compiles a template and returns its syntax error, if any.
func (r *Renderer) Parse(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(source, tpl)
	return tpl, nil
}

// Render executes the template against bindings.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	tpl, err := r.Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
