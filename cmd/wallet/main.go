package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"sunkcost/internal/chain"
	"sunkcost/internal/pot"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "gen":
		runGen()
	case "sign":
		runSign(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func runGen() {
	key, err := chain.GenerateKeyPair()
	if err != nil {
		log.Fatalf("generate wallet: %v", err)
	}
	printJSON(key)
}

func runSign(args []string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	privateKey := fs.String("priv", "", "hex private key")
	kind := fs.String("kind", chain.TxKindTransfer, "transaction kind: transfer, pot_create, pot_buy_in or pot_claim")
	to := fs.String("to", "", "recipient address (transfer)")
	amount := fs.Uint64("amount", 0, "amount paid: transfer value, creation deposit or bid")
	nonce := fs.Uint64("nonce", 0, "sender nonce (required)")
	timestamp := fs.Int64("timestamp", 0, "unix ms timestamp (optional)")
	potID := fs.Uint64("pot", 0, "pot id (pot_buy_in, pot_claim)")
	initialTimer := fs.Uint64("initial-timer", 0, "seconds until the first deadline (pot_create)")
	maxTimer := fs.Uint64("max-timer", 0, "seconds after creation the deadline can never pass (pot_create)")
	increment := fs.Uint64("increment", 0, "minimum price step between bids (pot_create)")
	extension := fs.Uint64("extension", 0, "seconds each bid adds to the deadline (pot_create)")
	burn := fs.Uint64("burn", 0, "burn parameter for the node's burn policy (pot_create)")
	_ = fs.Parse(args)

	if *privateKey == "" || *nonce == 0 {
		fs.Usage()
		os.Exit(1)
	}

	tx := chain.Transaction{
		Kind:      *kind,
		Amount:    *amount,
		Nonce:     *nonce,
		Timestamp: *timestamp,
	}
	switch *kind {
	case chain.TxKindTransfer:
		if *to == "" || *amount == 0 {
			log.Fatalf("transfer requires -to and -amount")
		}
		tx.To = chain.Address(*to)
	case chain.TxKindPotCreate:
		if *amount == 0 {
			log.Fatalf("pot_create requires -amount equal to the creation deposit")
		}
		tx.Params = &pot.Config{
			InitialTimer: *initialTimer,
			MaxTimer:     *maxTimer,
			Increment:    *increment,
			Extension:    *extension,
			Burn:         *burn,
		}
	case chain.TxKindPotBuyIn:
		if *amount == 0 {
			log.Fatalf("pot_buy_in requires -amount")
		}
		tx.PotID = *potID
	case chain.TxKindPotClaim:
		tx.PotID = *potID
		tx.Amount = 0
	default:
		log.Fatalf("unknown tx kind %q", *kind)
	}

	if err := chain.SignTransaction(&tx, *privateKey); err != nil {
		log.Fatalf("sign tx: %v", err)
	}
	printJSON(tx)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encode json: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  wallet gen")
	fmt.Fprintln(os.Stderr, "  wallet sign --priv <hex> --to <addr> --amount <n> --nonce <n>")
	fmt.Fprintln(os.Stderr, "  wallet sign --priv <hex> --kind pot_create --amount <deposit> --initial-timer <s> --max-timer <s> --increment <n> --extension <s> [--burn <n>] --nonce <n>")
	fmt.Fprintln(os.Stderr, "  wallet sign --priv <hex> --kind pot_buy_in --pot <id> --amount <bid> --nonce <n>")
	fmt.Fprintln(os.Stderr, "  wallet sign --priv <hex> --kind pot_claim --pot <id> --nonce <n>")
}
