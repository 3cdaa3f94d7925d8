// Package crawler orchestrates a crawl run: for every target date it checks
// the robots policy, fetches the listing, matches the sensors' files and
// materializes them, with every network operation admitted through a shared
// Gate.
package crawler
