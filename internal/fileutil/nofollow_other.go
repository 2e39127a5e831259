//go:build !unix

package fileutil

const oNoFollow = 0
