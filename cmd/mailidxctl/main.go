// Command mailidxctl operates on one mailidx index directory: inspecting
// its header, running fsck/rebuild, compressing the data file, exporting a
// backup, and dumping records for a sequence set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/tshlabs/mailidx"
	"github.com/tshlabs/mailidx/backup"
	cfgpkg "github.com/tshlabs/mailidx/config"
	"github.com/tshlabs/mailidx/data"
	"github.com/tshlabs/mailidx/dirlock"
	"github.com/tshlabs/mailidx/hashfile"
	"github.com/tshlabs/mailidx/internal/examplebackend"
	"github.com/tshlabs/mailidx/mlog"
	"github.com/tshlabs/mailidx/modifylog"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"stat", cmdStat},
	{"fsck", cmdFsck},
	{"rebuild", cmdRebuild},
	{"compress", cmdCompress},
	{"compress-records", cmdCompressRecords},
	{"dump", cmdDump},
	{"backup", cmdBackup},
	{"config describe", cmdConfigDescribe},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn})
	}
}

// cmd mirrors the engine's own subcommand dispatch idiom: a words-based
// match against the argument list, with flags registered lazily so usage
// text can be generated for every command without running it.
type cmd struct {
	words []string
	fn    func(c *cmd)

	flag     *flag.FlagSet
	flagArgs []string

	params string
	help   string
	args   []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	fmt.Fprintf(os.Stderr, "usage: mailidxctl %s%s\n", strings.Join(c.words, " "), c.params)
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	c.flag.PrintDefaults()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailidxctl [flags] command ...")
	for _, c := range cmds {
		fmt.Fprintf(os.Stderr, "       mailidxctl %s%s\n", strings.Join(c.words, " "), c.params)
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = " [command ...]"
	args := c.Parse()
	if len(args) == 0 {
		usage()
	}
	for _, x := range cmds {
		if strings.Join(x.words, " ") == strings.Join(args, " ") {
			fmt.Printf("mailidxctl %s%s\n", strings.Join(x.words, " "), x.params)
			if x.help != "" {
				fmt.Println(x.help)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
	os.Exit(2)
}

var (
	dirFlag          string
	fileFlag         string
	dataFlag         string
	hashFlag         string
	modifyLogFlag    string
	backendFlag      string
	configFlag       string
	compressRateFlag int
	noHashFlag       bool
	noModifyLogFlag  bool
)

func main() {
	flag.StringVar(&dirFlag, "dir", ".", "index directory")
	flag.StringVar(&fileFlag, "file", "mailidx.index", "index file name within -dir")
	flag.StringVar(&dataFlag, "data", "mailidx.data", "data file name within -dir")
	flag.StringVar(&hashFlag, "hash", "mailidx.hash", "hash sidecar file name within -dir")
	flag.StringVar(&modifyLogFlag, "modifylog", "mailidx.mlog", "modify log file name within -dir")
	flag.StringVar(&backendFlag, "backend", "mailidx.backend.db", "example backend database file name within -dir")
	flag.StringVar(&configFlag, "config", "", "optional sconf configuration file; its DataDir and Compress.RateBytesPerSecond override -dir and -compressrate")
	flag.IntVar(&compressRateFlag, "compressrate", 0, "data file compression rate limit in bytes per second, 0 for unlimited")
	flag.BoolVar(&noHashFlag, "nohash", false, "do not open the hash sidecar")
	flag.BoolVar(&noModifyLogFlag, "nomodifylog", false, "do not open the modify log")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

next:
	for i := range cmds {
		c := &cmds[i]
		for j, w := range c.words {
			if j >= len(args) || w != args[j] {
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mailidxctl "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, "-"))
		c.fn(c)
		return
	}
	usage()
}

// engine bundles the index handle together with the collaborators this
// command opened for it, so deferred cleanup can close them in reverse
// order.
type engine struct {
	idx       *mailidx.Index
	dataStore *data.Store
	hashStore *hashfile.Store
	mlogStore *modifylog.Log
	backend   *examplebackend.Backend
}

func (e *engine) Close() {
	if e.idx != nil {
		e.idx.Close()
	}
	if e.mlogStore != nil {
		e.mlogStore.Close()
	}
	if e.hashStore != nil {
		e.hashStore.Close()
	}
	if e.dataStore != nil {
		e.dataStore.Close()
	}
	if e.backend != nil {
		e.backend.Close()
	}
}

// openEngine loads the optional sconf configuration, brings up every
// collaborator concurrently, and opens (creating if necessary) the index
// handle under want.
func openEngine(ctx context.Context, c *cmd, want mailidx.LockType) (*engine, error) {
	dir, file, dataName, hashName, mlogName, backendName, rate := dirFlag, fileFlag, dataFlag, hashFlag, modifyLogFlag, backendFlag, compressRateFlag
	if configFlag != "" {
		sc, err := cfgpkg.Parse(configFlag)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		dir = sc.DataDir
		rate = sc.Compress.RateBytesPerSecond
	}

	var g errgroup.Group
	var dataStore *data.Store
	var hashStore *hashfile.Store
	var mlogStore *modifylog.Log
	var backend *examplebackend.Backend

	g.Go(func() error {
		var err error
		dataStore, err = data.Open(c.log, dir, dataName, rate)
		return err
	})
	if !noHashFlag {
		g.Go(func() error {
			var err error
			hashStore, err = hashfile.Open(c.log, dir+string(os.PathSeparator)+hashName)
			return err
		})
	}
	if !noModifyLogFlag {
		g.Go(func() error {
			var err error
			mlogStore, err = modifylog.Open(dir + string(os.PathSeparator) + mlogName)
			return err
		})
	}
	g.Go(func() error {
		var err error
		backend, err = examplebackend.Open(ctx, dir+string(os.PathSeparator)+backendName)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bring up collaborators: %w", err)
	}

	opts := mailidx.Options{
		Dir:       dir,
		FileName:  file,
		Backend:   backend,
		Data:      dataStore,
		Hash:      hashStore,
		ModifyLog: mlogStore,
		DirLocker: dirlock.New(),
		Log:       c.log,
	}
	idx, err := mailidx.OpenOrCreate(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := idx.SetLock(ctx, want); err != nil {
		idx.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return &engine{idx: idx, dataStore: dataStore, hashStore: hashStore, mlogStore: mlogStore, backend: backend}, nil
}

func cmdStat(c *cmd) {
	c.Parse()
	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockShared)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	h := e.idx.Header()
	fmt.Printf("messages:        %s\n", humanize.Comma(int64(h.MessagesCount)))
	fmt.Printf("seen:            %s\n", humanize.Comma(int64(h.SeenMessagesCount)))
	fmt.Printf("deleted:         %s\n", humanize.Comma(int64(h.DeletedMessagesCount)))
	fmt.Printf("uid validity:    %d\n", h.UIDValidity)
	fmt.Printf("next uid:        %d\n", h.NextUID)
	fmt.Printf("first hole pos:  %d (records: %d)\n", h.FirstHolePosition, h.FirstHoleRecords)
	fmt.Printf("deleted data:    %s\n", humanize.Bytes(uint64(e.dataStore.DeletedBytes())))
}

func cmdFsck(c *cmd) {
	c.Parse()
	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockShared)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	problems, err := e.idx.Fsck(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(problems) == 0 {
		fmt.Println("no problems found")
		return
	}
	for _, p := range problems {
		fmt.Printf("uid %d: %s\n", p.UID, p.Message)
	}
	os.Exit(1)
}

func cmdRebuild(c *cmd) {
	c.Parse()
	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockExclusive)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	if err := e.idx.Rebuild(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("rebuild complete")
}

func cmdCompress(c *cmd) {
	c.Parse()
	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockExclusive)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	n, err := e.idx.CompressData(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("compressed %d blobs\n", n)
}

func cmdCompressRecords(c *cmd) {
	c.Parse()
	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockExclusive)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	if err := e.idx.CompressRecords(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("record array compressed")
}

// parseSeqSet turns an IMAP-style sequence set like "1,3,5:9" into a
// bitset with one bit per referenced sequence number.
func parseSeqSet(s string) (*bitset.BitSet, error) {
	bs := bitset.New(0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, ':'); i >= 0 {
			lo, hi = part[:i], part[i+1:]
		}
		a, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence %q: %w", part, err)
		}
		b := a
		if hi != lo {
			b, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence %q: %w", part, err)
			}
		}
		for i := a; i <= b; i++ {
			bs.Set(uint(i))
		}
	}
	return bs, nil
}

func cmdDump(c *cmd) {
	c.params = " seqset"
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	bs, err := parseSeqSet(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockShared)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	for i, ok := bs.NextSet(1); ok; i, ok = bs.NextSet(i + 1) {
		rec, err := e.idx.LookupSeq(uint32(i))
		if err != nil {
			fmt.Printf("%d: %v\n", i, err)
			continue
		}
		fmt.Printf("%d: uid=%d flags=%d datasize=%d\n", i, rec.UID, rec.MsgFlags, rec.DataSize)
	}
}

func cmdConfigDescribe(c *cmd) {
	c.Parse()
	if err := cfgpkg.Describe(os.Stdout, cfgpkg.Static{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	backupS3Bucket      string
	backupS3Prefix      string
	backupMinioEndpoint string
	backupBucket        string
	backupPrefix        string
)

func cmdBackup(c *cmd) {
	c.flag.StringVar(&backupS3Bucket, "s3-bucket", "", "upload via AWS S3 to this bucket")
	c.flag.StringVar(&backupMinioEndpoint, "minio-endpoint", "", "upload via a minio-compatible endpoint")
	c.flag.StringVar(&backupBucket, "bucket", "", "bucket name for -minio-endpoint")
	c.flag.StringVar(&backupPrefix, "prefix", "", "key prefix within the bucket")
	c.Parse()

	if backupS3Bucket == "" && backupMinioEndpoint == "" {
		fmt.Fprintln(os.Stderr, "one of -s3-bucket or -minio-endpoint is required")
		os.Exit(2)
	}

	ctx := context.Background()
	e, err := openEngine(ctx, c, mailidx.LockShared)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer e.Close()

	src := backup.Source{
		Dir:   dirFlag,
		Files: existingFiles(dirFlag, fileFlag, dataFlag, hashFlag, modifyLogFlag, backendFlag),
	}

	var target backup.Target
	if backupS3Bucket != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("load aws config: %w", err))
			os.Exit(1)
		}
		target = backup.S3Target{Client: s3.NewFromConfig(cfg), Bucket: backupS3Bucket, Prefix: backupPrefix}
	} else {
		client, err := minio.New(backupMinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
			Secure: true,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, fmt.Errorf("create minio client: %w", err))
			os.Exit(1)
		}
		target = backup.MinioTarget{Client: client, Bucket: backupBucket, Prefix: backupPrefix}
	}

	if err := backup.Run(ctx, target, src); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("backup complete")
}

func existingFiles(dir string, names ...string) []string {
	var out []string
	for _, name := range names {
		if _, err := os.Stat(dir + string(os.PathSeparator) + name); err == nil {
			out = append(out, name)
		}
	}
	return out
}
