// Package main provides the img-harvester command line tool.
//
// img-harvester downloads the images of a web page and of the pages it links
// to, one hop deep, into a local directory.
//
// Usage:
//
//	img-harvester harvest <root-url> -o <dir>
//	img-harvester validate --config <file>
//
// See --help for all available options.
package main

func main() {
	Execute()
}
