// Package mfm recovers channel cells from flux timestamps with a software
// PLL, locates IBM-style FM and MFM address marks and sector fields, and
// synthesises tracks for the simulated capture device.
package mfm
