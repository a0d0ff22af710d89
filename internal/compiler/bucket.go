package compiler

import (
	"strconv"
	"strings"
	"time"

	"github.com/KaramelBytes/chartloom/internal/intent"
)

// BucketLabel formats a bucket key produced by the compiled query:
//
//	day      2016-01-05  -> January 5, 2016
//	month    2016-01     -> January 2016
//	quarter  2016-Q1     -> Q1 2016
//	year     2016        -> 2016
//
// Keys that do not match the bucket's layout are returned unchanged.
func BucketLabel(b intent.Bucket, key string) string {
	key = strings.TrimSpace(key)
	switch b {
	case intent.BucketDay:
		if t, err := time.Parse("2006-01-02", key); err == nil {
			return t.Format("January 2, 2006")
		}
	case intent.BucketMonth:
		if t, err := time.Parse("2006-01", key); err == nil {
			return t.Format("January 2006")
		}
	case intent.BucketQuarter:
		year, q, ok := strings.Cut(key, "-Q")
		if !ok {
			break
		}
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 4 {
			break
		}
		if _, err := strconv.Atoi(year); err != nil {
			break
		}
		return "Q" + q + " " + year
	case intent.BucketYear:
		if _, err := strconv.Atoi(key); err == nil {
			return key
		}
	}
	return key
}
