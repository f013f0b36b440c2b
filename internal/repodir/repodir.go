// Package repodir finds the root of this module's source tree, so that tests
// can build the command binaries.
package repodir

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ModulePath is the module path declared in the root go.mod.
const ModulePath = "github.com/andrew-d/transitroutes"

var (
	rootDir  string
	rootErr  error
	rootOnce sync.Once
)

// Root returns the directory containing this module's go.mod.
func Root() (string, error) {
	rootOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			rootErr = fmt.Errorf("getting CWD: %w", err)
			return
		}
		rootDir, rootErr = findRoot(wd)
	})
	return rootDir, rootErr
}

// findRoot walks up from dir looking for a go.mod that declares ModulePath.
func findRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	start := dir
	for {
		data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
		if err == nil && declaresModule(data, ModulePath) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod for %s found above %s", ModulePath, start)
		}
		dir = parent
	}
}

func declaresModule(gomod []byte, path string) bool {
	sc := bufio.NewScanner(bytes.NewReader(gomod))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "module"); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`) == path
		}
	}
	return false
}
