/*
Package wix is a lightweight wrapper around the wix toolset.

It is heavily inspired by golang's build system (2)

# Background and Theory Of Operations

wix's toolchain is based around compiling xml files into
installers. This package wraps the three tools needed to build a
multi-language msi:

 1. `candle` preprocesses and compiles the wxs sources into wixobj files
 2. `light` links the wixobj files and a culture's wxl strings into an msi
 3. `torch` diffs two msi files into a language transform (mst)

Every tool runs with `-wx`, and its output is additionally scanned for
warnings. Any warning fails the step.

While this is a somewhat agnostic wrapper, it does make several
assumptions about the underlying process. It is not meant as a
complete wix wrapper.

# References

 1. http://wixtoolset.org/
 2. https://github.com/golang/build/blob/790500f5933191797a6638a27127be424f6ae2c2/cmd/release/releaselet.go#L224
*/
package wix
