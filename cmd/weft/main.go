// Weft CLI - applies a mixin set to compiled .class files on disk
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/softweave/weft/mixin"
	"github.com/softweave/weft/weaver"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", ".", "Directory containing weft.toml")
	outDir := flag.String("out", "woven", "Output directory for transformed classes")
	audit := flag.Bool("audit", false, "Print the application audit report after transforming")
	checkInterfaces := flag.Bool("check-interfaces", false, "Verify targets implement every interface their mixins add")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: weft [options] [classpath dirs...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads the mixin set described by weft.toml and weaves it into every\n")
		fmt.Fprintf(os.Stderr, ".class file found under the given directories (default: current dir).\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  weft ./build/classes                   # weave using ./weft.toml\n")
		fmt.Fprintf(os.Stderr, "  weft -config ./cfg -out ./dist ./bin   # explicit config and output dirs\n")
		fmt.Fprintf(os.Stderr, "  weft -audit -v 1 ./build/classes       # verbose, with audit report\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"."}
	}

	cfg, err := mixin.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	refmap, err := loadRefmap(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	provider := &dirProvider{roots: roots, outDir: *outDir}
	tr := weaver.NewTransformer(provider, weaver.WithRequired(cfg.Behavior.Required))
	if *checkInterfaces {
		tr.Use(&weaver.InterfaceAudit{Transformer: tr})
	}
	if err := tr.RegisterConfig(cfg, refmap); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	transformed, total := 0, 0
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".class") {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(strings.TrimSuffix(rel, ".class"))

			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			total++
			out, err := tr.Transform(name, data)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if !bytes.Equal(out, data) {
				transformed++
			}

			dest := filepath.Join(*outDir, rel)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			return os.WriteFile(dest, out, 0o644)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Wove %d of %d classes into %s\n", transformed, total, *outDir)

	if *audit {
		printAudit(tr)
	}
}

// loadRefmap resolves the bundle's reference map. The compiled cache is
// preferred; when only the JSON source exists and a cache path is
// configured, the cache is written for the next run.
func loadRefmap(cfg *mixin.Config) (*mixin.RefMap, error) {
	if compiled := cfg.RefmapCompiledPath(); compiled != "" {
		if data, err := os.ReadFile(compiled); err == nil {
			return mixin.ParseCompiledRefMap(data)
		}
	}
	source := cfg.RefmapSourcePath()
	if source == "" {
		return nil, nil
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("cannot read refmap: %w", err)
	}
	rm, err := mixin.ParseRefMap(data)
	if err != nil {
		return nil, err
	}
	if compiled := cfg.RefmapCompiledPath(); compiled != "" {
		if cache, err := rm.Compile(); err == nil {
			_ = os.WriteFile(compiled, cache, 0o644)
		}
	}
	return rm, nil
}

func printAudit(tr *weaver.Transformer) {
	for _, e := range tr.Audit() {
		status := "applied"
		if len(e.Applied) == 0 {
			status = "not seen"
		}
		fmt.Printf("%s  [%s]\n", e.Target, status)
		for _, m := range e.Registered {
			mark := " "
			for _, a := range e.Applied {
				if a == m {
					mark = "*"
				}
			}
			fmt.Printf("  %s %s\n", mark, m)
		}
		for _, f := range e.Findings {
			fmt.Printf("  ! %s\n", f)
		}
	}
}

// dirProvider resolves internal class names against classpath roots,
// first hit wins. Transformed lookups prefer already-woven output.
type dirProvider struct {
	roots  []string
	outDir string
}

func (p *dirProvider) ClassBytes(name string) ([]byte, error) {
	for _, root := range p.roots {
		path := filepath.Join(root, filepath.FromSlash(name)+".class")
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("class %s not found on classpath", name)
}

func (p *dirProvider) TransformedClassBytes(name string) ([]byte, error) {
	path := filepath.Join(p.outDir, filepath.FromSlash(name)+".class")
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	return p.ClassBytes(name)
}
