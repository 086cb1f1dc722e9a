// Package integrity computes and compares content digests of downloaded artifacts.
package integrity
