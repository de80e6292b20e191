// Package scaffold materializes new SyftBox app projects from the
// embedded template tree.
package scaffold

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates
var templates embed.FS

const templateRoot = "templates/app"

// Options describe the app project Create materializes.
type Options struct {
	// AppName names the app. It becomes the target directory name and
	// the app_name in the generated settings file.
	AppName string

	// Dir is the parent directory the app directory is created under.
	// Empty means the current working directory.
	Dir string

	// ModulePath is the module path written into the generated go.mod.
	// Empty defaults to the app name.
	ModulePath string

	// Force overwrites files in an existing target directory.
	Force bool
}

// templateData is the substitution context for every template file.
type templateData struct {
	AppName    string
	ModulePath string
}

// Create renders the embedded app template into Dir/AppName and
// returns the target path. An existing target is refused unless
// Options.Force is set.
func Create(opts Options) (string, error) {
	if opts.AppName == "" {
		return "", errors.New("app name must not be empty")
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	target := filepath.Join(dir, opts.AppName)

	if _, err := os.Stat(target); err == nil {
		if !opts.Force {
			return "", fmt.Errorf("directory %s already exists", target)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("inspect target directory: %w", err)
	}

	data := templateData{
		AppName:    opts.AppName,
		ModulePath: opts.ModulePath,
	}
	if data.ModulePath == "" {
		data.ModulePath = opts.AppName
	}

	err := fs.WalkDir(templates, templateRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(templateRoot, filepath.FromSlash(p))
		if err != nil {
			return err
		}
		return renderFile(p, filepath.Join(target, outputName(rel)), data)
	})
	if err != nil {
		return "", fmt.Errorf("render app template: %w", err)
	}
	return target, nil
}

// outputName maps a template-relative path to its on-disk name. The
// .tmpl suffix is dropped, and dotfiles are stored without the leading
// dot so go:embed picks them up.
func outputName(rel string) string {
	rel = strings.TrimSuffix(rel, ".tmpl")
	base := filepath.Base(rel)
	if base == "gitignore" {
		base = ".gitignore"
	}
	return filepath.Join(filepath.Dir(rel), base)
}

func renderFile(src, dst string, data templateData) error {
	raw, err := templates.ReadFile(src)
	if err != nil {
		return err
	}
	tmpl, err := template.New(path.Base(src)).Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("render %s: %w", src, err)
	}
	return f.Close()
}
