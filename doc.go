// Package blobtree decodes binary blobs into trees of byte-range chunks.
//
// A decode walks a blob with a bounded [stream.Stream], records every field
// it reads as a chunk whose range is a sub-range of its parent, and commits
// the resulting tree to a [chunk.Store]. Failures never abort silently: the
// partial tree is kept and each failure is reported as a [diag.Diagnostic]
// with its byte offset.
//
// # Quick Start
//
//	engine, err := blobtree.New(memory.New())
//	if err != nil {
//	    return err
//	}
//	src, err := source.OpenFile("/bin/ls")
//	if err != nil {
//	    return err
//	}
//	defer src.Close()
//
//	res, err := engine.Decode(ctx, src, "elf")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Status, res.Chunks())
//
// # Nested decodes
//
// A chunk found by one decoder can be decoded by another: pass
// [decoder.Under] with the chunk ID and [decoder.At] with its start offset.
// The nested tree is attached under that chunk and its stream never reads
// past the chunk's end.
//
// # Formats
//
// [DefaultRegistry] holds the built-in ELF and PNG decoders. Formats
// described in HCL are loaded with [hcldesc.LoadFile] and registered on a
// custom registry passed with [WithRegistry].
//
// # Caching
//
// [WithCache] keeps encoded snapshots of top-level decodes. A later decode
// of the same blob, format and offset re-attaches the cached tree without
// reading the blob.
package blobtree
