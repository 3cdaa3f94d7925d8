// Package archive models the date-partitioned sensor archive: calendar dates,
// sensor identifiers, listing URLs, matched file entries, and the outcomes the
// crawler records for them.
package archive
