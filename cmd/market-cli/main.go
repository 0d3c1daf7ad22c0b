package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"marketd/cmd/internal/passphrase"
	"marketd/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("MARKETD_RPC_TOKEN")

const walletPassEnv = "MARKETD_WALLET_PASS"

var walletPass = passphrase.NewSource(walletPassEnv)

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		out := "wallet.key"
		if len(args) >= 2 {
			out = args[1]
		}
		generateKey(out)
	case "export-keystore":
		if len(args) < 3 {
			fmt.Println("Usage: export-keystore <keyFile> <keystoreFile>")
			return
		}
		exportKeystore(args[1], args[2])
	case "keystore-address":
		if len(args) < 2 {
			fmt.Println("Usage: keystore-address <keystoreFile>")
			return
		}
		keystoreAddress(args[1])
	case "balance":
		if len(args) < 3 {
			fmt.Println("Usage: balance <address> <token>")
			return
		}
		getBalance(args[1], args[2])
	case "token-info":
		if len(args) < 2 {
			fmt.Println("Usage: token-info <token>")
			return
		}
		tokenInfo(args[1])
	case "create":
		if len(args) < 6 {
			fmt.Println("Usage: create <seller> <asset> <lot|unit> <quantity> <price> [windowSeconds]")
			return
		}
		window := int64(0)
		if len(args) >= 7 {
			parsed, err := strconv.ParseInt(args[6], 10, 64)
			if err != nil {
				fmt.Println("Error: Invalid window seconds.")
				return
			}
			window = parsed
		}
		createListing(args[1], args[2], args[3], args[4], args[5], window)
	case "buy":
		if len(args) < 5 {
			fmt.Println("Usage: buy <buyer> <listingId> <quantity> <payment>")
			return
		}
		id, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid listing id.")
			return
		}
		buyListing(args[1], id, args[3], args[4])
	case "cancel":
		if len(args) < 3 {
			fmt.Println("Usage: cancel <caller> <listingId>")
			return
		}
		id, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid listing id.")
			return
		}
		listingAction("market_cancel", args[1], id, "Listing cancelled; remaining inventory refunded.")
	case "reclaim":
		if len(args) < 3 {
			fmt.Println("Usage: reclaim <caller> <listingId>")
			return
		}
		id, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid listing id.")
			return
		}
		listingAction("market_reclaim", args[1], id, "Listing reclaimed; inventory returned to the seller.")
	case "get":
		if len(args) < 2 {
			fmt.Println("Usage: get <listingId>")
			return
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid listing id.")
			return
		}
		getListing(id)
	case "seller-listings":
		if len(args) < 2 {
			fmt.Println("Usage: seller-listings <seller>")
			return
		}
		sellerListings(args[1])
	case "asset-listing":
		if len(args) < 2 {
			fmt.Println("Usage: asset-listing <asset>")
			return
		}
		assetListing(args[1])
	case "custody":
		if len(args) < 2 {
			fmt.Println("Usage: custody <asset>")
			return
		}
		custodyBalance(args[1])
	case "events":
		cursor := ""
		limit := 0
		if len(args) >= 2 {
			cursor = args[1]
		}
		if len(args) >= 3 {
			parsed, err := strconv.Atoi(args[2])
			if err != nil {
				fmt.Println("Error: Invalid limit.")
				return
			}
			limit = parsed
		}
		listEvents(cursor, limit)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: market-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Key management:")
	fmt.Println("  generate-key [out]                         Generate a key file and print its address")
	fmt.Println("  export-keystore <keyFile> <keystoreFile>   Encrypt a key file into a keystore (" + walletPassEnv + ")")
	fmt.Println("  keystore-address <keystoreFile>            Print the address inside a keystore")
	fmt.Println()
	fmt.Println("Market commands:")
	fmt.Println("  create <seller> <asset> <lot|unit> <quantity> <price> [windowSeconds]")
	fmt.Println("  buy <buyer> <listingId> <quantity> <payment>")
	fmt.Println("  cancel <caller> <listingId>")
	fmt.Println("  reclaim <caller> <listingId>")
	fmt.Println("  get <listingId>")
	fmt.Println("  seller-listings <seller>")
	fmt.Println("  asset-listing <asset>")
	fmt.Println("  custody <asset>")
	fmt.Println("  events [cursor] [limit]")
	fmt.Println()
	fmt.Println("Token commands:")
	fmt.Println("  balance <address> <token>")
	fmt.Println("  token-info <token>")
	fmt.Println()
	fmt.Println("Mutating commands require MARKETD_RPC_TOKEN to be set.")
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8645"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(out string) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	if err := os.WriteFile(out, key.Bytes(), 0600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", out, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", out)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely; it is the only way to act as this address.")
}

func exportKeystore(keyFile, keystoreFile string) {
	pass, err := walletPass.Get()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Printf("Error loading private key: %v\n", err)
		return
	}
	if err := crypto.SaveToKeystore(keystoreFile, key, pass); err != nil {
		fmt.Printf("Error writing keystore: %v\n", err)
		return
	}
	fmt.Printf("Keystore written to %s for address %s\n", keystoreFile, key.PubKey().Address().String())
}

func keystoreAddress(keystoreFile string) {
	pass, err := walletPass.Get()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	key, err := crypto.LoadFromKeystore(keystoreFile, pass)
	if err != nil {
		fmt.Printf("Error reading keystore: %v\n", err)
		return
	}
	fmt.Printf("Keystore address: %s\n", key.PubKey().Address().String())
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("private key file %s not found. run ./market-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read private key file %s: %w", path, err)
	}
	if len(keyBytes) == 0 {
		return nil, fmt.Errorf("private key file %s is empty. run ./market-cli generate-key first", path)
	}
	privKey, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key in %s: %w", path, err)
	}
	return privKey, nil
}

// --- RPC HELPER FUNCTIONS ---

type listingResponse struct {
	ID            uint64 `json:"id"`
	Kind          string `json:"kind"`
	Seller        string `json:"seller"`
	Asset         string `json:"asset"`
	AssetDecimals uint8  `json:"assetDecimals"`
	Quantity      string `json:"quantity"`
	Remaining     string `json:"remaining"`
	Price         string `json:"price"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt"`
	Active        bool   `json:"active"`
}

type receiptResponse struct {
	ListingID uint64 `json:"listingId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Asset     string `json:"asset"`
	Filled    string `json:"filled"`
	Payment   string `json:"payment"`
	Remaining string `json:"remaining"`
	SettledAt int64  `json:"settledAt"`
}

func callMarketRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from node")
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Data != "" {
			return nil, fmt.Errorf("error from node: %s: %s", rpcResp.Error.Message, rpcResp.Error.Data)
		}
		return nil, fmt.Errorf("error from node: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires MARKETD_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printJSONResult(result json.RawMessage) {
	if len(result) == 0 {
		fmt.Println("No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}

func printListing(listing listingResponse) {
	fmt.Printf("Listing %d (%s)\n", listing.ID, listing.Kind)
	fmt.Printf("  Seller:    %s\n", listing.Seller)
	fmt.Printf("  Asset:     %s (decimals %d)\n", listing.Asset, listing.AssetDecimals)
	fmt.Printf("  Quantity:  %s\n", listing.Quantity)
	fmt.Printf("  Remaining: %s\n", listing.Remaining)
	fmt.Printf("  Price:     %s\n", listing.Price)
	fmt.Printf("  Created:   %s\n", time.Unix(listing.CreatedAt, 0).UTC().Format(time.RFC3339))
	if listing.ExpiresAt > 0 {
		fmt.Printf("  Expires:   %s\n", time.Unix(listing.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	fmt.Printf("  Active:    %t\n", listing.Active)
}

// --- MARKET COMMANDS ---

func createListing(seller, asset, kind, quantity, price string, window int64) {
	param := map[string]interface{}{
		"seller":   seller,
		"asset":    asset,
		"kind":     kind,
		"quantity": quantity,
		"price":    price,
	}
	if window > 0 {
		param["window"] = window
	}
	result, err := callMarketRPC("market_create", param, true)
	if err != nil {
		fmt.Printf("Error creating listing: %v\n", err)
		return
	}
	var listing listingResponse
	if err := json.Unmarshal(result, &listing); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Listing %d created; inventory moved to custody.\n", listing.ID)
	printListing(listing)
}

func buyListing(buyer string, id uint64, quantity, payment string) {
	param := map[string]interface{}{
		"buyer":    buyer,
		"id":       id,
		"quantity": quantity,
		"payment":  payment,
	}
	result, err := callMarketRPC("market_buy", param, true)
	if err != nil {
		fmt.Printf("Error buying listing: %v\n", err)
		return
	}
	var receipt receiptResponse
	if err := json.Unmarshal(result, &receipt); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Settled purchase on listing %d\n", receipt.ListingID)
	fmt.Printf("  Asset:     %s\n", receipt.Asset)
	fmt.Printf("  Filled:    %s\n", receipt.Filled)
	fmt.Printf("  Payment:   %s\n", receipt.Payment)
	fmt.Printf("  Remaining: %s\n", receipt.Remaining)
	fmt.Printf("  Settled:   %s\n", time.Unix(receipt.SettledAt, 0).UTC().Format(time.RFC3339))
}

func listingAction(method, caller string, id uint64, successMessage string) {
	param := map[string]interface{}{
		"caller": caller,
		"id":     id,
	}
	if _, err := callMarketRPC(method, param, true); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(successMessage)
}

func getListing(id uint64) {
	result, err := callMarketRPC("market_getListing", map[string]interface{}{"id": id}, false)
	if err != nil {
		fmt.Printf("Error fetching listing: %v\n", err)
		return
	}
	var listing listingResponse
	if err := json.Unmarshal(result, &listing); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	printListing(listing)
}

func sellerListings(seller string) {
	result, err := callMarketRPC("market_listingsBySeller", map[string]string{"seller": seller}, false)
	if err != nil {
		fmt.Printf("Error fetching listings: %v\n", err)
		return
	}
	var listings []listingResponse
	if err := json.Unmarshal(result, &listings); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	if len(listings) == 0 {
		fmt.Println("No listings for this seller.")
		return
	}
	for i, listing := range listings {
		if i > 0 {
			fmt.Println()
		}
		printListing(listing)
	}
}

func assetListing(asset string) {
	result, err := callMarketRPC("market_listingByAsset", map[string]string{"asset": asset}, false)
	if err != nil {
		fmt.Printf("Error fetching listing: %v\n", err)
		return
	}
	var listing listingResponse
	if err := json.Unmarshal(result, &listing); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	printListing(listing)
}

func custodyBalance(asset string) {
	result, err := callMarketRPC("market_custodyBalance", map[string]string{"asset": asset}, false)
	if err != nil {
		fmt.Printf("Error fetching custody balance: %v\n", err)
		return
	}
	printJSONResult(result)
}

func listEvents(cursor string, limit int) {
	param := map[string]interface{}{}
	if cursor != "" {
		param["cursor"] = cursor
	}
	if limit > 0 {
		param["limit"] = limit
	}
	result, err := callMarketRPC("market_events", param, false)
	if err != nil {
		fmt.Printf("Error fetching events: %v\n", err)
		return
	}
	printJSONResult(result)
}

// --- TOKEN COMMANDS ---

func getBalance(addr, token string) {
	result, err := callMarketRPC("token_getBalance", map[string]string{"address": addr, "token": token}, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	var balance struct {
		Address string `json:"address"`
		Token   string `json:"token"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	fmt.Printf("Balance for %s\n", balance.Address)
	fmt.Printf("  %s: %s\n", balance.Token, balance.Balance)
}

func tokenInfo(token string) {
	result, err := callMarketRPC("token_getMetadata", map[string]string{"token": token}, false)
	if err != nil {
		fmt.Printf("Error fetching token metadata: %v\n", err)
		return
	}
	printJSONResult(result)
}
