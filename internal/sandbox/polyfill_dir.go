package sandbox

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// listCommand prints one "<kind>\t<name>" line per child, kind being d, f or
// o. It only relies on shell globbing and test, so it works on images
// without ls or find. A missing directory lists as empty.
func listCommand(dir string) string {
	return "d=" + quotePath(dir) + "; " +
		`cd "$d" 2>/dev/null || exit 0; ` +
		`for e in * .[!.]* ..?*; do ` +
		`if [ ! -e "$e" ] && [ ! -L "$e" ]; then continue; fi; ` +
		`if [ -d "$e" ]; then k=d; elif [ -f "$e" ]; then k=f; else k=o; fi; ` +
		`printf '%s\t%s\n' "$k" "$e"; ` +
		`done`
}

// ListDirectory returns the direct children of dir.
func (p *Polyfill) ListDirectory(ctx context.Context, dir string) ([]DirectoryEntry, error) {
	if err := validatePath(dir); err != nil {
		return nil, err
	}
	res, err := p.runOK(ctx, CapListDirectory, listCommand(dir))
	if err != nil {
		return nil, err
	}
	return parseListing(dir, res.Stdout), nil
}

// parseListing skips lines it does not understand instead of failing.
func parseListing(dir, out string) []DirectoryEntry {
	entries := []DirectoryEntry{}
	for _, line := range strings.Split(out, "\n") {
		kind, name, ok := strings.Cut(strings.TrimSuffix(line, "\r"), "\t")
		if !ok || name == "" || name == "." || name == ".." {
			continue
		}
		switch kind {
		case "d", "f", "o":
		default:
			continue
		}
		entries = append(entries, DirectoryEntry{
			Name:        name,
			Path:        path.Join(dir, name),
			IsDirectory: kind == "d",
			IsFile:      kind == "f",
		})
	}
	return entries
}

// CreateDirectories creates each path with its parents. Existing directories
// are not an error.
func (p *Polyfill) CreateDirectories(ctx context.Context, paths []string, opts DirectoryOptions) ([]DirectoryResult, error) {
	if err := validateMode(opts.Mode); err != nil {
		return nil, err
	}
	results := make([]DirectoryResult, 0, len(paths))
	for _, dir := range paths {
		err := validatePath(dir)
		if err == nil {
			command := "d=" + quotePath(dir) + "; mkdir -p"
			if opts.Mode != "" {
				command += " -m " + opts.Mode
			}
			command += ` "$d"`
			_, err = p.runOK(ctx, CapCreateDirectories, command)
		}
		results = append(results, DirectoryResult{Path: dir, Success: err == nil, Err: err})
	}
	return results, nil
}

// DeleteDirectories removes each directory. Without Recursive only empty
// directories can be removed; with Force a missing directory is not an error.
func (p *Polyfill) DeleteDirectories(ctx context.Context, paths []string, opts DeleteDirectoryOptions) ([]DirectoryResult, error) {
	results := make([]DirectoryResult, 0, len(paths))
	for _, dir := range paths {
		err := validatePath(dir)
		if err == nil && path.Clean(dir) == "/" {
			err = sandboxerr.InvalidArgument("refusing to delete the root directory")
		}
		if err == nil {
			_, err = p.runOK(ctx, CapDeleteDirectories, deleteDirCommand(dir, opts))
		}
		results = append(results, DirectoryResult{Path: dir, Success: err == nil, Err: err})
	}
	return results, nil
}

func deleteDirCommand(dir string, opts DeleteDirectoryOptions) string {
	var b strings.Builder
	b.WriteString("d=" + quotePath(dir) + "; ")
	if opts.Force {
		b.WriteString(`if [ ! -e "$d" ]; then exit 0; fi; `)
	} else {
		b.WriteString(`if [ ! -e "$d" ]; then echo "no such directory: $d" >&2; exit 1; fi; `)
	}
	b.WriteString(`if [ ! -d "$d" ]; then echo "not a directory: $d" >&2; exit 1; fi; `)
	switch {
	case opts.Recursive && opts.Force:
		b.WriteString(`rm -rf "$d"`)
	case opts.Recursive:
		b.WriteString(`rm -r "$d"`)
	default:
		b.WriteString(`rmdir "$d"`)
	}
	return b.String()
}

// SetPermissions applies mode, owner and group. An entry with none of them
// is rejected.
func (p *Polyfill) SetPermissions(ctx context.Context, entries []PermissionEntry) ([]PermissionResult, error) {
	results := make([]PermissionResult, 0, len(entries))
	for _, e := range entries {
		command, err := permissionCommand(e)
		if err == nil {
			_, err = p.runOK(ctx, CapSetPermissions, command)
		}
		results = append(results, PermissionResult{Path: e.Path, Success: err == nil, Err: err})
	}
	return results, nil
}

func permissionCommand(e PermissionEntry) (string, error) {
	if err := validatePath(e.Path); err != nil {
		return "", err
	}
	if e.Mode == "" && e.Owner == "" && e.Group == "" {
		return "", sandboxerr.InvalidArgument("no mode, owner or group given for %s", e.Path)
	}
	if err := validateMode(e.Mode); err != nil {
		return "", err
	}
	if err := validateOwner("owner", e.Owner); err != nil {
		return "", err
	}
	if err := validateOwner("group", e.Group); err != nil {
		return "", err
	}

	steps := []string{}
	if e.Mode != "" {
		steps = append(steps, `chmod `+e.Mode+` "$f"`)
	}
	switch {
	case e.Owner != "" && e.Group != "":
		steps = append(steps, `chown `+shellQuote(e.Owner+":"+e.Group)+` "$f"`)
	case e.Owner != "":
		steps = append(steps, `chown `+shellQuote(e.Owner)+` "$f"`)
	case e.Group != "":
		steps = append(steps, `chgrp `+shellQuote(e.Group)+` "$f"`)
	}
	return "f=" + quotePath(e.Path) + "; " +
		`if [ ! -e "$f" ]; then echo "no such file: $f" >&2; exit 1; fi; ` +
		strings.Join(steps, " && "), nil
}

// fileInfoCommand prints "<kind> <size> <octal mode> <mtime>". The stat
// fields are missing when stat is not installed; size then comes from wc.
func fileInfoCommand(p string) string {
	return "f=" + quotePath(p) + "; " +
		`if [ -d "$f" ]; then k=d; elif [ -f "$f" ]; then k=f; ` +
		`elif [ -e "$f" ] || [ -L "$f" ]; then k=o; ` +
		`else echo "no such file: $f" >&2; exit 1; fi; ` +
		`s=$(stat -c '%s %a %Y' "$f" 2>/dev/null); ` +
		`if [ -z "$s" ] && [ "$k" = f ]; then s=$(wc -c < "$f"); fi; ` +
		`echo "$k $s"`
}

// GetFileInfo stats each path.
func (p *Polyfill) GetFileInfo(ctx context.Context, paths []string) ([]FileInfoResult, error) {
	results := make([]FileInfoResult, 0, len(paths))
	for _, target := range paths {
		var info *FileInfo
		err := validatePath(target)
		if err == nil {
			var res *ExecuteResult
			res, err = p.runOK(ctx, CapGetFileInfo, fileInfoCommand(target))
			if err == nil {
				info, err = parseFileInfo(target, res.Stdout)
			}
		}
		results = append(results, FileInfoResult{Path: target, Info: info, Err: err})
	}
	return results, nil
}

func parseFileInfo(target, out string) (*FileInfo, error) {
	fields := strings.Fields(lastLine(out))
	if len(fields) == 0 {
		return nil, sandboxerr.CommandFailure("stat", "empty file info output for "+target, nil)
	}
	info := &FileInfo{Path: target}
	switch fields[0] {
	case "d":
		info.IsDirectory = true
	case "f":
		info.IsFile = true
	case "o":
	default:
		return nil, sandboxerr.CommandFailure("stat", "unexpected file info output "+strconv.Quote(out), nil)
	}
	if len(fields) > 1 {
		if size, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			info.Size = size
		}
	}
	if len(fields) > 2 {
		if _, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			info.Mode = fields[2]
		}
	}
	if len(fields) > 3 {
		if secs, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			info.ModifiedAt = time.Unix(secs, 0).UTC()
		}
	}
	return info, nil
}

func searchCommand(root, pattern string) string {
	return "d=" + quotePath(root) + "; n=" + shellQuote(pattern) + "; " +
		`find "$d" -type f -name "$n" 2>/dev/null | while IFS= read -r l; do printf 'f\t%s\n' "$l"; done; ` +
		`find "$d" ! -type f -name "$n" 2>/dev/null | while IFS= read -r l; do printf 'o\t%s\n' "$l"; done; ` +
		`exit 0`
}

// Search finds paths under root whose basename matches the glob pattern.
// An empty root searches the default working directory. Matches are
// re-checked locally so stray output never becomes a result.
func (p *Polyfill) Search(ctx context.Context, pattern, root string) ([]SearchResult, error) {
	if pattern == "" {
		return nil, sandboxerr.InvalidArgument("search pattern must not be empty")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, sandboxerr.InvalidArgument("invalid search pattern %q", pattern)
	}
	switch {
	case root == "":
		root = "."
	case strings.HasPrefix(root, "-"):
		root = "./" + root
	}
	res, err := p.runOK(ctx, CapSearch, searchCommand(root, pattern))
	if err != nil {
		return nil, err
	}
	return parseSearch(root, pattern, res.Stdout), nil
}

func parseSearch(root, pattern, out string) []SearchResult {
	results := []SearchResult{}
	seen := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		kind, found, ok := strings.Cut(strings.TrimSuffix(line, "\r"), "\t")
		if !ok || (kind != "f" && kind != "o") || found == "" || seen[found] {
			continue
		}
		if ok, _ := path.Match(pattern, path.Base(found)); !ok {
			continue
		}
		if !under(root, found) {
			continue
		}
		seen[found] = true
		results = append(results, SearchResult{Path: found, IsFile: kind == "f"})
	}
	return results
}

// under reports whether p lies strictly below root.
func under(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	if p == root {
		return false
	}
	if root == "." {
		return !path.IsAbs(p) && p != ".." && !strings.HasPrefix(p, "../")
	}
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, root+"/")
}
