/*
Package tlvdb is an embedded, file-backed object store. Values are encoded
as self-describing tagged values (see package tlv), appended to one or more
partition files and addressed by a monotonically increasing numeric identity.

Data Structure Documentation

Index

The index file maps identities to partition offsets. It starts with a fixed
size header which is followed by a flat run of entries.

    Index layout:
    +--------------------+---------+-----+---------+--------------+-----+--------------+
    | header (256 bytes) | entry 1 | ... | entry n | ledger row 1 | ... | ledger row m |
    +--------------------+---------+-----+---------+--------------+-----+--------------+

    Header:
    +------------------+---------------+-----------------+---------------------+-------------------------+---------+
    | version (1 byte) | kind (1 byte) | items (8 bytes) | partitions (1 byte) | next identity (8 bytes) | padding |
    +------------------+---------------+-----------------+---------------------+-------------------------+---------+

    Entry:
    +--------------------+--------------------+----------------------+
    | partition (1 byte) | identity (8 bytes) | offset + 1 (8 bytes) |
    +--------------------+--------------------+----------------------+

An entry with a position of 0 is a tombstone. Rows with a partition byte of
255 form the Free Ledger, the record of reclaimed regions that have not been
compacted yet. Besides deleted and relocated values, it records the tail left
behind when an update shrinks a value in place:

    Ledger row:
    +--------------+----------------------------------+----------------------+
    | 255 (1 byte) | partition << 56 + size (8 bytes) | offset + 1 (8 bytes) |
    +--------------+----------------------------------+----------------------+

All integers are little-endian.

Partitions

A partition is a sequence of packed tagged values with no separators. For an
index file named "<dir>/<base>.<ext>", partition n is stored in
"<dir>/<base>.<n>.dat".

    Partition layout:
    +---------+-----+---------+
    | value 1 | ... | value n |
    +---------+-----+---------+

Compaction

Vacuum rewrites the live values of a partition into "<base>.<n>.dat.swap",
fsyncs it and renames it over the partition file while interrupt signals are
held back. Swap files left behind by an interrupted compaction are removed
when the store is opened.
*/
package tlvdb
