package testlist

import (
	"bufio"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-zglob"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// Load reads test ids from files, one per line, in file order. Blank lines and lines starting with # are skipped.
// Relative file names are looked up in the working directory first and then in each of loadPaths.
// A name containing glob characters (including **) expands to every matching file in lexical order.
func Load(files []string, loadPaths []string) ([]string, error) {
	var testIds []string
	for _, file := range files {
		paths, err := expand(file, loadPaths)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			ids, err := readFile(path)
			if err != nil {
				return nil, err
			}
			testIds = append(testIds, ids...)
		}
	}
	return testIds, nil
}

func expand(file string, loadPaths []string) ([]string, error) {
	if !strings.ContainsAny(file, "*?[") {
		path, err := Resolve(file, loadPaths)
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}
	pattern, err := homedir.Expand(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	matches, err := zglob.Glob(pattern)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "error expanding %s", file)
	}
	files := matches[:0]
	for _, match := range matches {
		if exists(match) {
			files = append(files, match)
		}
	}
	if len(files) == 0 {
		return nil, &queueerrors.ErrInvalidArgument{
			Name:    "files",
			Value:   file,
			Message: "pattern matches no test list files",
		}
	}
	slices.Sort(files)
	return files, nil
}

// Resolve returns the path of file, searching loadPaths for relative names that do not exist in the working directory.
// A leading ~ in file or in a load path refers to the current user's home directory.
func Resolve(file string, loadPaths []string) (string, error) {
	expanded, err := homedir.Expand(file)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if filepath.IsAbs(expanded) || exists(expanded) {
		return expanded, nil
	}
	for _, dir := range loadPaths {
		if dir, err = homedir.Expand(dir); err != nil {
			return "", errors.WithStack(err)
		}
		candidate := filepath.Join(dir, expanded)
		if exists(candidate) {
			return candidate, nil
		}
	}
	return "", &queueerrors.ErrInvalidArgument{
		Name:    "files",
		Value:   file,
		Message: "no such test list file in the working directory or any load path",
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	var testIds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		testIds = append(testIds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading %s", path)
	}
	return testIds, nil
}

// Shuffle returns a deduplicated permutation of testIds determined only by seed and the set of ids,
// so every worker given the same seed computes the same order regardless of input order.
func Shuffle(testIds []string, seed string) []string {
	shuffled := slices.Clone(testIds)
	slices.Sort(shuffled)
	shuffled = slices.Compact(shuffled)
	random := rand.New(rand.NewSource(seedValue(seed)))
	random.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

func seedValue(seed string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	return int64(h.Sum64())
}
