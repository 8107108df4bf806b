package layout

import (
	"io/fs"
	"os"
	"syscall"
)

// AttributesFor maps host entry attributes onto record attribute bits.
// Symbolic links and other irregular entries are the portable
// equivalent of reparse points.
func AttributesFor(mode fs.FileMode) uint32 {
	var attrs uint32
	if mode.IsDir() {
		attrs |= AttrDirectory
	}
	if mode&(fs.ModeSymlink|fs.ModeIrregular) != 0 {
		attrs |= AttrReparse
	}
	return attrs
}

// MetaFromFileInfo fills a NodeMeta from a stat result. Timestamps are
// unix nanoseconds; the host exposes no creation time, so the inode
// change time stands in for it.
func MetaFromFileInfo(fi os.FileInfo) NodeMeta {
	meta := NodeMeta{
		Attributes:    AttributesFor(fi.Mode()),
		LastWriteTime: fi.ModTime().UnixNano(),
	}
	if !fi.IsDir() {
		meta.Size = uint64(fi.Size())
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		meta.CreationTime = syscall.TimespecToNsec(st.Ctim)
		meta.LastAccessTime = syscall.TimespecToNsec(st.Atim)
	}
	return meta
}
